package dynamo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"classtrack/internal/attendance"
	"classtrack/internal/geo"
)

// Store persists attendance records in DynamoDB, matching the managed
// keyed-store collaborator of the hosted deployment. Records live under
// their id; the single-active-session invariant is held by a lock item
// written in the same transaction with attribute_not_exists.
type Store struct {
	client *dynamodb.Client
	table  string
}

// Index names the store expects on the table.
const (
	userDateIndex  = "user-date-index"
	classDateIndex = "class-date-index"
	dateIndex      = "date-index"
)

// sortableTime is fixed-width so the string sort key orders like time.
const sortableTime = "2006-01-02T15:04:05.000000000Z"

// NewStore creates a store over a DynamoDB client and table.
func NewStore(client *dynamodb.Client, table string) *Store {
	return &Store{client: client, table: table}
}

// item is the DynamoDB shape of a record. Times are stored as fixed-width
// UTC strings so the check_in_time sort keys compare correctly.
type item struct {
	PK              string   `dynamodbav:"pk"`
	UserID          string   `dynamodbav:"user_id"`
	ClassID         string   `dynamodbav:"class_id"`
	Date            string   `dynamodbav:"date"`
	CheckInTime     string   `dynamodbav:"check_in_time"`
	CheckOutTime    string   `dynamodbav:"check_out_time,omitempty"`
	Lifecycle       string   `dynamodbav:"lifecycle"`
	Status          string   `dynamodbav:"status"`
	DurationMinutes *int     `dynamodbav:"duration_minutes,omitempty"`
	CheckInLat      *float64 `dynamodbav:"check_in_lat,omitempty"`
	CheckInLng      *float64 `dynamodbav:"check_in_lng,omitempty"`
	CheckOutLat     *float64 `dynamodbav:"check_out_lat,omitempty"`
	CheckOutLng     *float64 `dynamodbav:"check_out_lng,omitempty"`
	TokenUsed       bool     `dynamodbav:"token_used"`
	UserName        string   `dynamodbav:"user_name,omitempty"`
	ClassName       string   `dynamodbav:"class_name,omitempty"`
	CourseCode      string   `dynamodbav:"course_code,omitempty"`
	InstructorID    string   `dynamodbav:"instructor_id,omitempty"`
	CreatedAt       string   `dynamodbav:"created_at"`
}

func lockPK(uniquenessKey string) string { return "lock#" + uniquenessKey }

// Get returns a record by id.
func (s *Store) Get(ctx context.Context, id string) (*attendance.Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: id},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb get failed: %w", err)
	}
	if out.Item == nil {
		return nil, attendance.ErrNotFound
	}
	return unmarshalRecord(out.Item)
}

// PutIfAbsent writes the record and its lock item in one transaction; the
// lock's attribute_not_exists condition makes simultaneous check-ins a
// single-writer-wins race.
func (s *Store) PutIfAbsent(ctx context.Context, rec attendance.Record, uniquenessKey string) error {
	av, err := attributevalue.MarshalMap(toItem(rec))
	if err != nil {
		return err
	}
	lock := map[string]types.AttributeValue{
		"pk":        &types.AttributeValueMemberS{Value: lockPK(uniquenessKey)},
		"record_id": &types.AttributeValueMemberS{Value: rec.ID},
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           aws.String(s.table),
				Item:                av,
				ConditionExpression: aws.String("attribute_not_exists(pk)"),
			}},
			{Put: &types.Put{
				TableName:           aws.String(s.table),
				Item:                lock,
				ConditionExpression: aws.String("attribute_not_exists(pk)"),
			}},
		},
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			for _, reason := range canceled.CancellationReasons {
				if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
					return attendance.ErrConflict
				}
			}
		}
		return fmt.Errorf("dynamodb put failed: %w", err)
	}
	return nil
}

// Update applies the check-out patch and deletes the lock item together.
func (s *Store) Update(ctx context.Context, id string, p attendance.Patch) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	names := map[string]string{"#lc": "lifecycle", "#cot": "check_out_time", "#dur": "duration_minutes"}
	values := map[string]types.AttributeValue{
		":lc":  &types.AttributeValueMemberS{Value: string(p.Lifecycle)},
		":cot": &types.AttributeValueMemberS{Value: p.CheckOutTime.UTC().Format(sortableTime)},
		":dur": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", p.DurationMinutes)},
	}
	expr := "SET #lc = :lc, #cot = :cot, #dur = :dur"
	if p.CheckOutLocation != nil {
		names["#olat"] = "check_out_lat"
		names["#olng"] = "check_out_lng"
		values[":olat"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%v", p.CheckOutLocation.Lat)}
		values[":olng"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%v", p.CheckOutLocation.Lng)}
		expr += ", #olat = :olat, #olng = :olng"
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Update: &types.Update{
				TableName:                 aws.String(s.table),
				Key:                       map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: id}},
				ConditionExpression:       aws.String("attribute_exists(pk)"),
				UpdateExpression:          aws.String(expr),
				ExpressionAttributeNames:  names,
				ExpressionAttributeValues: values,
			}},
			{Delete: &types.Delete{
				TableName: aws.String(s.table),
				Key: map[string]types.AttributeValue{
					"pk": &types.AttributeValueMemberS{Value: lockPK(attendance.ActiveKey(rec.UserID, rec.ClassID, rec.Date))},
				},
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("dynamodb update failed: %w", err)
	}
	return nil
}

// QueryByUserAndDateRange queries the user GSI, filtering by day.
func (s *Store) QueryByUserAndDateRange(ctx context.Context, userID, from, to string, page attendance.Page) ([]attendance.Record, string, error) {
	return s.queryIndex(ctx, userDateIndex, "user_id", userID, from, to, page)
}

// QueryByClassAndDateRange queries the class GSI, filtering by day.
func (s *Store) QueryByClassAndDateRange(ctx context.Context, classID, from, to string, page attendance.Page) ([]attendance.Record, string, error) {
	return s.queryIndex(ctx, classDateIndex, "class_id", classID, from, to, page)
}

// QueryByDate queries the date GSI for one day.
func (s *Store) QueryByDate(ctx context.Context, date string, page attendance.Page) ([]attendance.Record, string, error) {
	return s.queryIndex(ctx, dateIndex, "date", date, date, date, page)
}

// queryIndex pages one GSI partition newest-first. DynamoDB's
// LastEvaluatedKey is folded into the opaque cursor.
func (s *Store) queryIndex(ctx context.Context, index, keyAttr, keyValue, from, to string, page attendance.Page) ([]attendance.Record, string, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = attendance.DefaultPageLimit
	}

	input := &dynamodb.QueryInput{
		TableName:                aws.String(s.table),
		IndexName:                aws.String(index),
		KeyConditionExpression:   aws.String("#k = :k"),
		ExpressionAttributeNames: map[string]string{"#k": keyAttr},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":k": &types.AttributeValueMemberS{Value: keyValue},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	}
	if keyAttr != "date" {
		input.FilterExpression = aws.String("#d BETWEEN :from AND :to")
		input.ExpressionAttributeNames["#d"] = "date"
		input.ExpressionAttributeValues[":from"] = &types.AttributeValueMemberS{Value: from}
		input.ExpressionAttributeValues[":to"] = &types.AttributeValueMemberS{Value: to}
	}

	if page.Cursor != "" {
		start, err := decodeCursor(page.Cursor)
		if err != nil {
			return nil, "", err
		}
		input.ExclusiveStartKey = start
	}

	out, err := s.client.Query(ctx, input)
	if err != nil {
		return nil, "", fmt.Errorf("dynamodb query failed: %w", err)
	}

	recs := make([]attendance.Record, 0, len(out.Items))
	for _, it := range out.Items {
		rec, err := unmarshalRecord(it)
		if err != nil {
			return nil, "", err
		}
		recs = append(recs, *rec)
	}

	next := ""
	if len(out.LastEvaluatedKey) > 0 {
		next = encodeCursor(out.LastEvaluatedKey)
	}
	return recs, next, nil
}

func toItem(rec attendance.Record) item {
	it := item{
		PK:              rec.ID,
		UserID:          rec.UserID,
		ClassID:         rec.ClassID,
		Date:            rec.Date,
		CheckInTime:     rec.CheckInTime.UTC().Format(sortableTime),
		Lifecycle:       string(rec.Lifecycle),
		Status:          string(rec.Status),
		DurationMinutes: rec.DurationMinutes,
		TokenUsed:       rec.TokenUsed,
		UserName:        rec.UserName,
		ClassName:       rec.ClassName,
		CourseCode:      rec.CourseCode,
		InstructorID:    rec.InstructorID,
		CreatedAt:       rec.CreatedAt.UTC().Format(sortableTime),
	}
	if rec.CheckOutTime != nil {
		it.CheckOutTime = rec.CheckOutTime.UTC().Format(sortableTime)
	}
	if p := rec.CheckInLocation; p != nil {
		it.CheckInLat, it.CheckInLng = &p.Lat, &p.Lng
	}
	if p := rec.CheckOutLocation; p != nil {
		it.CheckOutLat, it.CheckOutLng = &p.Lat, &p.Lng
	}
	return it
}

func unmarshalRecord(av map[string]types.AttributeValue) (*attendance.Record, error) {
	var it item
	if err := attributevalue.UnmarshalMap(av, &it); err != nil {
		return nil, fmt.Errorf("failed to decode item: %w", err)
	}

	checkIn, err := time.Parse(sortableTime, it.CheckInTime)
	if err != nil {
		return nil, fmt.Errorf("bad check_in_time on item %s: %w", it.PK, err)
	}
	createdAt, _ := time.Parse(sortableTime, it.CreatedAt)

	rec := &attendance.Record{
		ID:              it.PK,
		UserID:          it.UserID,
		ClassID:         it.ClassID,
		Date:            it.Date,
		CheckInTime:     checkIn,
		Lifecycle:       attendance.Lifecycle(it.Lifecycle),
		Status:          attendance.Status(it.Status),
		DurationMinutes: it.DurationMinutes,
		TokenUsed:       it.TokenUsed,
		UserName:        it.UserName,
		ClassName:       it.ClassName,
		CourseCode:      it.CourseCode,
		InstructorID:    it.InstructorID,
		CreatedAt:       createdAt,
	}
	if it.CheckOutTime != "" {
		t, err := time.Parse(sortableTime, it.CheckOutTime)
		if err == nil {
			rec.CheckOutTime = &t
		}
	}
	if it.CheckInLat != nil && it.CheckInLng != nil {
		rec.CheckInLocation = &geo.Point{Lat: *it.CheckInLat, Lng: *it.CheckInLng}
	}
	if it.CheckOutLat != nil && it.CheckOutLng != nil {
		rec.CheckOutLocation = &geo.Point{Lat: *it.CheckOutLat, Lng: *it.CheckOutLng}
	}
	return rec, nil
}

// encodeCursor folds a LastEvaluatedKey into an opaque token. Key attributes
// on every index here are strings.
func encodeCursor(key map[string]types.AttributeValue) string {
	flat := make(map[string]string, len(key))
	for k, v := range key {
		if s, ok := v.(*types.AttributeValueMemberS); ok {
			flat[k] = s.Value
		}
	}
	raw, _ := json.Marshal(flat)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(s string) (map[string]types.AttributeValue, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.New("invalid cursor")
	}
	var flat map[string]string
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, errors.New("invalid cursor")
	}
	key := make(map[string]types.AttributeValue, len(flat))
	for k, v := range flat {
		key[k] = &types.AttributeValueMemberS{Value: v}
	}
	return key, nil
}

var _ attendance.Store = (*Store)(nil)
