package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"assistant-agent/internal/domain"
)

const (
	skPrefixMsg = "MSG#"
	skMeta      = "META#"
	ttlDuration = 30 * 24 * time.Hour // 30-day TTL

	// sortableTime keeps lexical and chronological order identical.
	sortableTime = "2006-01-02T15:04:05.000000000Z"

	// maxTransactItems is the DynamoDB TransactWriteItems limit.
	maxTransactItems = 100
)

// ErrConflict is returned when a conditional write loses against a
// concurrent writer.
var ErrConflict = errors.New("repository: conditional write conflict")

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// ConversationStore is the conversation side consumed by the turn service.
type ConversationStore interface {
	GetHistory(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	GetState(ctx context.Context, conversationID string) (domain.ConversationState, error)
	SaveTurn(ctx context.Context, rec domain.TurnRecord) error
}

// Client wraps a DynamoDB table for conversation state and reminder entries.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

// msgSK orders messages by creation time; the id breaks ties.
func msgSK(ts time.Time, id string) string {
	return skPrefixMsg + ts.UTC().Format(sortableTime) + "#" + id
}

// ttlValue returns a Unix timestamp 30 days after now.
func ttlValue(now time.Time) int64 {
	return now.Add(ttlDuration).Unix()
}

// NewMessage constructs a Message with ID, PK and SK set.
func NewMessage(conversationID string, role domain.Role, parts []domain.Part, createdAt time.Time) domain.Message {
	id := uuid.NewString()
	createdAt = createdAt.UTC()
	return domain.Message{
		PK:             convPK(conversationID),
		SK:             msgSK(createdAt, id),
		ConversationID: conversationID,
		ID:             id,
		Role:           role,
		Parts:          parts,
		CreatedAt:      createdAt,
	}
}

// GetHistory returns the most recent limit messages in chronological order.
func (c *Client) GetHistory(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		ConsistentRead:   aws.Bool(true),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: GetHistory query: %w", err)
	}

	msgs := make([]domain.Message, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("repository: GetHistory unmarshal: %w", err)
		}
		msgs = append(msgs, msg)
	}
	// Reverse to chronological order before returning to the translator.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// GetState reads the conversation META item. A missing item is an empty state.
func (c *Client) GetState(ctx context.Context, conversationID string) (domain.ConversationState, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("repository: GetState get item: %w", err)
	}
	state := domain.ConversationState{ConversationID: conversationID}
	if out == nil || len(out.Item) == 0 {
		return state, nil
	}

	if _, ok := out.Item["turns"]; ok {
		turns, err := intAttr(out.Item, "turns")
		if err != nil {
			return domain.ConversationState{}, fmt.Errorf("repository: GetState decode turns: %w", err)
		}
		state.Turns = turns
	}
	reminders, err := stringListAttr(out.Item, "reminders")
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("repository: GetState decode reminders: %w", err)
	}
	state.Reminders = reminders
	state.LastActivity, _ = strAttr(out.Item, "lastActivity") // allow empty
	return state, nil
}

// SaveTurn commits a completed turn in one transaction: new messages, resolved
// messages, the turn counter and the removal of the reminders the turn
// surfaced. Reminders appended after the turn started are left in place.
func (c *Client) SaveTurn(ctx context.Context, rec domain.TurnRecord) error {
	if strings.TrimSpace(rec.ConversationID) == "" {
		return errors.New("repository: SaveTurn: conversation id is required")
	}
	if rec.DrainedReminders < 0 {
		return errors.New("repository: SaveTurn: drained reminders must not be negative")
	}
	if len(rec.Append)+len(rec.Replace)+1 > maxTransactItems {
		return fmt.Errorf("repository: SaveTurn: %d writes exceed the transaction limit", len(rec.Append)+len(rec.Replace)+1)
	}

	now := c.now().UTC()
	items := make([]types.TransactWriteItem, 0, len(rec.Append)+len(rec.Replace)+1)
	for _, msg := range rec.Append {
		item, err := messageItem(msg, now)
		if err != nil {
			return fmt.Errorf("repository: SaveTurn: %w", err)
		}
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName:           aws.String(c.tableName),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
		}})
	}
	for _, msg := range rec.Replace {
		item, err := messageItem(msg, now)
		if err != nil {
			return fmt.Errorf("repository: SaveTurn: %w", err)
		}
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName:           aws.String(c.tableName),
			Item:                item,
			ConditionExpression: aws.String("attribute_exists(PK) AND attribute_exists(SK)"),
		}})
	}
	items = append(items, types.TransactWriteItem{Update: c.metaUpdate(rec.ConversationID, rec.DrainedReminders, now)})

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		if isConditionalFailure(err) {
			return fmt.Errorf("repository: SaveTurn: %w: %v", ErrConflict, err)
		}
		return fmt.Errorf("repository: SaveTurn: %w", err)
	}
	return nil
}

func (c *Client) metaUpdate(conversationID string, drained int, now time.Time) *types.Update {
	expr := "SET #cid = :cid, #la = :la, #ttl = :ttl ADD #turns :one"
	names := map[string]string{
		"#cid":   "conversationId",
		"#la":    "lastActivity",
		"#ttl":   "ttl",
		"#turns": "turns",
	}
	values := map[string]types.AttributeValue{
		":cid": &types.AttributeValueMemberS{Value: conversationID},
		":la":  &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		":ttl": &types.AttributeValueMemberN{Value: strconv.FormatInt(ttlValue(now), 10)},
		":one": &types.AttributeValueMemberN{Value: "1"},
	}

	u := &types.Update{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
	}
	if drained > 0 {
		removals := make([]string, drained)
		for i := range removals {
			removals[i] = fmt.Sprintf("#rem[%d]", i)
		}
		expr += " REMOVE " + strings.Join(removals, ", ")
		names["#rem"] = "reminders"
		values[":n"] = &types.AttributeValueMemberN{Value: strconv.Itoa(drained)}
		u.ConditionExpression = aws.String("size(#rem) >= :n")
	}
	u.UpdateExpression = aws.String(expr)
	u.ExpressionAttributeNames = names
	u.ExpressionAttributeValues = values
	return u
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	pk, err := strAttr(item, "PK")
	if err != nil {
		return domain.Message{}, err
	}
	sk, err := strAttr(item, "SK")
	if err != nil {
		return domain.Message{}, err
	}
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Message{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	if !domain.Role(role).Valid() {
		return domain.Message{}, fmt.Errorf("repository: unknown role %q", role)
	}
	rawParts, err := strAttr(item, "parts")
	if err != nil {
		return domain.Message{}, err
	}
	var parts []domain.Part
	if err := json.Unmarshal([]byte(rawParts), &parts); err != nil {
		return domain.Message{}, fmt.Errorf("repository: decode parts: %w", err)
	}
	convID, _ := strAttr(item, "conversationId") // allow empty
	created, _ := strAttr(item, "createdAt")     // allow empty
	createdAt, _ := time.Parse(time.RFC3339Nano, created)

	return domain.Message{
		PK:             pk,
		SK:             sk,
		ConversationID: convID,
		ID:             id,
		Role:           domain.Role(role),
		Parts:          parts,
		CreatedAt:      createdAt,
	}, nil
}

func messageItem(msg domain.Message, now time.Time) (map[string]types.AttributeValue, error) {
	if msg.PK == "" || msg.SK == "" {
		return nil, errors.New("message PK and SK are required")
	}
	if !msg.Role.Valid() {
		return nil, fmt.Errorf("message role %q is invalid", msg.Role)
	}
	parts, err := json.Marshal(msg.Parts)
	if err != nil {
		return nil, fmt.Errorf("encode parts: %w", err)
	}
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: msg.PK},
		"SK":             &types.AttributeValueMemberS{Value: msg.SK},
		"conversationId": &types.AttributeValueMemberS{Value: msg.ConversationID},
		"id":             &types.AttributeValueMemberS{Value: msg.ID},
		"role":           &types.AttributeValueMemberS{Value: string(msg.Role)},
		"parts":          &types.AttributeValueMemberS{Value: string(parts)},
		"createdAt":      &types.AttributeValueMemberS{Value: msg.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"ttl":            &types.AttributeValueMemberN{Value: strconv.FormatInt(ttlValue(now), 10)},
	}, nil
}

// isConditionalFailure reports whether a write or transaction was rejected by
// a condition expression.
func isConditionalFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for _, r := range tce.CancellationReasons {
			if aws.ToString(r.Code) == "ConditionalCheckFailed" {
				return true
			}
		}
	}
	return false
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

// stringListAttr decodes a list of strings. A missing attribute is an empty list.
func stringListAttr(item map[string]types.AttributeValue, key string) ([]string, error) {
	v, ok := item[key]
	if !ok {
		return nil, nil
	}
	l, ok := v.(*types.AttributeValueMemberL)
	if !ok {
		return nil, fmt.Errorf("repository: attribute %q is not a list", key)
	}
	out := make([]string, 0, len(l.Value))
	for i, el := range l.Value {
		s, ok := el.(*types.AttributeValueMemberS)
		if !ok {
			return nil, fmt.Errorf("repository: %s[%d] is not a string", key, i)
		}
		out = append(out, s.Value)
	}
	return out, nil
}
