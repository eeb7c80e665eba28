package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"assistant-agent/internal/domain"
)

const (
	pkReminders    = "REMINDERS"
	skPrefixRemind = "AT#"
)

// reminderSK orders reminder entries by fire time.
func reminderSK(fireAt time.Time, id string) string {
	return skPrefixRemind + fireAt.UTC().Format(sortableTime) + "#" + id
}

// PutReminder stores a durable reminder entry.
func (c *Client) PutReminder(ctx context.Context, r domain.Reminder) error {
	if strings.TrimSpace(r.ID) == "" || strings.TrimSpace(r.ConversationID) == "" {
		return errors.New("repository: PutReminder: id and conversation id are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                reminderItem(r),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: PutReminder: %w", err)
	}
	return nil
}

// DueReminders returns every entry firing at or before until, oldest first.
func (c *Client) DueReminders(ctx context.Context, until time.Time) ([]domain.Reminder, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND SK BETWEEN :lo AND :hi"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pkReminders},
			":lo": &types.AttributeValueMemberS{Value: skPrefixRemind},
			// '~' sorts after every id character.
			":hi": &types.AttributeValueMemberS{Value: skPrefixRemind + until.UTC().Format(sortableTime) + "#~"},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	}

	var out []domain.Reminder
	for {
		page, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: DueReminders query: %w", err)
		}
		for _, item := range page.Items {
			r, err := itemToReminder(item)
			if err != nil {
				return nil, fmt.Errorf("repository: DueReminders unmarshal: %w", err)
			}
			out = append(out, r)
		}
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		in.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

// ApplyReminder deletes the entry and appends text to the conversation's
// pending reminders in one transaction. A repeated delivery finds the entry
// gone and reports false.
func (c *Client) ApplyReminder(ctx context.Context, r domain.Reminder, text string) (bool, error) {
	if strings.TrimSpace(r.ConversationID) == "" {
		return false, errors.New("repository: ApplyReminder: conversation id is required")
	}
	sk := r.SK
	if sk == "" {
		sk = reminderSK(r.FireAt, r.ID)
	}
	now := c.now().UTC()

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Delete: &types.Delete{
					TableName: aws.String(c.tableName),
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: pkReminders},
						"SK": &types.AttributeValueMemberS{Value: sk},
					},
					ConditionExpression: aws.String("attribute_exists(PK)"),
				},
			},
			{
				Update: &types.Update{
					TableName: aws.String(c.tableName),
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: convPK(r.ConversationID)},
						"SK": &types.AttributeValueMemberS{Value: skMeta},
					},
					UpdateExpression: aws.String("SET #rem = list_append(if_not_exists(#rem, :empty), :r), #cid = :cid, #ttl = :ttl"),
					ExpressionAttributeNames: map[string]string{
						"#rem": "reminders",
						"#cid": "conversationId",
						"#ttl": "ttl",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
						":r": &types.AttributeValueMemberL{Value: []types.AttributeValue{
							&types.AttributeValueMemberS{Value: text},
						}},
						":cid": &types.AttributeValueMemberS{Value: r.ConversationID},
						":ttl": &types.AttributeValueMemberN{Value: strconv.FormatInt(ttlValue(now), 10)},
					},
				},
			},
		},
	})
	if err != nil {
		if isConditionalFailure(err) {
			return false, nil
		}
		return false, fmt.Errorf("repository: ApplyReminder: %w", err)
	}
	return true, nil
}

func reminderItem(r domain.Reminder) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: pkReminders},
		"SK":             &types.AttributeValueMemberS{Value: reminderSK(r.FireAt, r.ID)},
		"id":             &types.AttributeValueMemberS{Value: r.ID},
		"conversationId": &types.AttributeValueMemberS{Value: r.ConversationID},
		"message":        &types.AttributeValueMemberS{Value: r.Message},
		"fireAt":         &types.AttributeValueMemberS{Value: r.FireAt.UTC().Format(time.RFC3339Nano)},
		"createdAt":      &types.AttributeValueMemberS{Value: r.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"ttl":            &types.AttributeValueMemberN{Value: strconv.FormatInt(ttlValue(r.FireAt), 10)},
	}
}

func itemToReminder(item map[string]types.AttributeValue) (domain.Reminder, error) {
	var r domain.Reminder
	var err error
	if r.SK, err = strAttr(item, "SK"); err != nil {
		return domain.Reminder{}, err
	}
	if r.ID, err = strAttr(item, "id"); err != nil {
		return domain.Reminder{}, err
	}
	if r.ConversationID, err = strAttr(item, "conversationId"); err != nil {
		return domain.Reminder{}, err
	}
	if r.Message, err = strAttr(item, "message"); err != nil {
		return domain.Reminder{}, err
	}
	fireAt, err := strAttr(item, "fireAt")
	if err != nil {
		return domain.Reminder{}, err
	}
	if r.FireAt, err = time.Parse(time.RFC3339Nano, fireAt); err != nil {
		return domain.Reminder{}, fmt.Errorf("repository: parse fireAt: %w", err)
	}
	created, _ := strAttr(item, "createdAt") // allow empty
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	r.PK = pkReminders
	return r, nil
}
