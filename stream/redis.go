package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout:
//
//	message:generating:<messageId>        hash  GenerationState fields
//	message:generating:<messageId>:tools  list  tool events, JSON per entry
//	message:stream:<messageId>            pub/sub channel, JSON Event per message
//	conversation:active:<conversationId>  string  messageId of the generation in flight
//
// Mutations and their paired publish run inside Lua so subscribers observe
// events in the same order the stored state was updated.

// appendAndPublish appends ARGV[2] to hash field ARGV[1], refreshes the TTL,
// and publishes the event.
var appendAndPublish = redis.NewScript(`
redis.call('HSET', KEYS[1], ARGV[1], (redis.call('HGET', KEYS[1], ARGV[1]) or '') .. ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[4])
redis.call('PUBLISH', KEYS[2], ARGV[3])
return 1`)

// setAndPublish sets hash field ARGV[1] to ARGV[2] and publishes the event.
var setAndPublish = redis.NewScript(`
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[4])
redis.call('PUBLISH', KEYS[2], ARGV[3])
return 1`)

// pushToolAndPublish appends a tool event to the list and publishes it.
var pushToolAndPublish = redis.NewScript(`
redis.call('RPUSH', KEYS[1], ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('PUBLISH', KEYS[2], ARGV[2])
return 1`)

// RedisCache is the production Cache: generation state in Redis with a
// pub/sub channel per message for live fan-out.
type RedisCache struct {
	rdb *redis.Client
}

// NewRedisCache wraps an existing client.
func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func genKey(messageID string) string     { return "message:generating:" + messageID }
func toolsKey(messageID string) string   { return genKey(messageID) + ":tools" }
func channelKey(messageID string) string { return "message:stream:" + messageID }
func activeKey(conversationID string) string {
	return "conversation:active:" + conversationID
}

func ttlSeconds() int64 { return int64(GenerationTTL / time.Second) }

// StartGeneration implements Cache.
func (c *RedisCache) StartGeneration(ctx context.Context, conversationID, messageID string) error {
	ok, err := c.rdb.SetNX(ctx, activeKey(conversationID), messageID, GenerationTTL).Result()
	if err != nil {
		return fmt.Errorf("start generation: %w", err)
	}
	if !ok {
		return ErrAlreadyInProgress
	}
	key := genKey(messageID)
	err = c.rdb.HSet(ctx, key,
		"messageId", messageID,
		"conversationId", conversationID,
		"status", StatusGenerating,
		"content", "",
		"thinking", "",
		"startedAt", time.Now().UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("start generation: %w", err)
	}
	return c.rdb.Expire(ctx, key, GenerationTTL).Err()
}

// AppendContent implements Cache.
func (c *RedisCache) AppendContent(ctx context.Context, messageID, chunk string) error {
	return c.appendField(ctx, messageID, "content", chunk, Event{Type: EventChunk, Content: chunk})
}

// PublishChunk implements Cache.
func (c *RedisCache) PublishChunk(ctx context.Context, messageID, chunk string) error {
	return c.publishOnly(ctx, messageID, Event{Type: EventChunk, Content: chunk})
}

// AppendThinking implements Cache.
func (c *RedisCache) AppendThinking(ctx context.Context, messageID, chunk string) error {
	return c.appendField(ctx, messageID, "thinking", chunk, Event{Type: EventThinkingChunk, Content: chunk})
}

// PublishStatus implements Cache.
func (c *RedisCache) PublishStatus(ctx context.Context, messageID, action, description string) error {
	ev := Event{Type: EventStatus, Action: action, Description: description}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	err = setAndPublish.Run(ctx, c.rdb,
		[]string{genKey(messageID), channelKey(messageID)},
		"currentStatus", action, payload, ttlSeconds()).Err()
	if err != nil {
		return fmt.Errorf("publish status: %w", err)
	}
	return nil
}

// PublishToolEvent implements Cache.
func (c *RedisCache) PublishToolEvent(ctx context.Context, messageID string, event map[string]any) error {
	entry, err := json.Marshal(event)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(Event{Type: EventToolEvent, Tool: event})
	if err != nil {
		return err
	}
	err = pushToolAndPublish.Run(ctx, c.rdb,
		[]string{toolsKey(messageID), channelKey(messageID)},
		entry, payload, ttlSeconds()).Err()
	if err != nil {
		return fmt.Errorf("publish tool event: %w", err)
	}
	return nil
}

// PublishToolStatus implements Cache.
func (c *RedisCache) PublishToolStatus(ctx context.Context, messageID, status, action string) error {
	return c.publishOnly(ctx, messageID, Event{Type: EventToolStatus, Status: status, Action: action})
}

// CompleteGeneration implements Cache.
func (c *RedisCache) CompleteGeneration(ctx context.Context, messageID string, metadata map[string]any) error {
	return c.finish(ctx, messageID, StatusCompleted, "", Event{Type: EventComplete, Metadata: metadata})
}

// FailGeneration implements Cache.
func (c *RedisCache) FailGeneration(ctx context.Context, messageID, errMsg string) error {
	return c.finish(ctx, messageID, StatusError, errMsg, Event{Type: EventError, Error: errMsg})
}

func (c *RedisCache) finish(ctx context.Context, messageID, status, errMsg string, terminal Event) error {
	key := genKey(messageID)
	conversationID, err := c.rdb.HGet(ctx, key, "conversationId").Result()
	if errors.Is(err, redis.Nil) {
		return ErrGenerationNotFound
	}
	if err != nil {
		return fmt.Errorf("finish generation: %w", err)
	}

	fields := []any{
		"status", status,
		"completedAt", time.Now().UTC().Format(time.RFC3339Nano),
	}
	if errMsg != "" {
		fields = append(fields, "error", errMsg)
	}
	if err := c.rdb.HSet(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("finish generation: %w", err)
	}
	if err := c.rdb.Del(ctx, activeKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("finish generation: %w", err)
	}
	return c.publishOnly(ctx, messageID, terminal)
}

// Generation implements Cache.
func (c *RedisCache) Generation(ctx context.Context, messageID string) (*GenerationState, error) {
	fields, err := c.rdb.HGetAll(ctx, genKey(messageID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load generation: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrGenerationNotFound
	}
	state := &GenerationState{
		MessageID:      fields["messageId"],
		ConversationID: fields["conversationId"],
		Status:         fields["status"],
		Content:        fields["content"],
		Thinking:       fields["thinking"],
		Error:          fields["error"],
		CurrentStatus:  fields["currentStatus"],
	}
	if v := fields["tokens"]; v != "" {
		state.Tokens, _ = strconv.Atoi(v)
	}
	if v := fields["startedAt"]; v != "" {
		state.StartedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v := fields["completedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			state.CompletedAt = &t
		}
	}

	entries, err := c.rdb.LRange(ctx, toolsKey(messageID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load tool events: %w", err)
	}
	for _, entry := range entries {
		var event map[string]any
		if err := json.Unmarshal([]byte(entry), &event); err == nil {
			state.ToolEvents = append(state.ToolEvents, event)
		}
	}
	return state, nil
}

// Subscribe implements Cache. The pub/sub subscription is confirmed before
// the state snapshot is read, so no event published after the snapshot is
// missed; the snapshot is delivered first as the init event.
func (c *RedisCache) Subscribe(ctx context.Context, messageID string) (<-chan Event, func(), error) {
	pubsub := c.rdb.Subscribe(ctx, channelKey(messageID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe: %w", err)
	}

	state, err := c.Generation(ctx, messageID)
	if err != nil {
		_ = pubsub.Close()
		return nil, nil, err
	}

	out := make(chan Event, subscriberBuffer)
	out <- Event{
		Type:             EventInit,
		ExistingContent:  state.Content,
		ExistingThinking: state.Thinking,
	}
	if state.Status != StatusGenerating {
		if state.Status == StatusError {
			out <- Event{Type: EventError, Error: state.Error}
		} else {
			out <- Event{Type: EventComplete}
		}
		close(out)
		_ = pubsub.Close()
		return out, func() {}, nil
	}

	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			default:
			}
			if ev.Type == EventComplete || ev.Type == EventError {
				return
			}
		}
	}()
	cancel := func() { _ = pubsub.Close() }
	return out, cancel, nil
}

// Close implements Cache.
func (c *RedisCache) Close() error { return c.rdb.Close() }

func (c *RedisCache) appendField(ctx context.Context, messageID, field, chunk string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	err = appendAndPublish.Run(ctx, c.rdb,
		[]string{genKey(messageID), channelKey(messageID)},
		field, chunk, payload, ttlSeconds()).Err()
	if err != nil {
		return fmt.Errorf("append %s: %w", field, err)
	}
	return nil
}

func (c *RedisCache) publishOnly(ctx context.Context, messageID string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := c.rdb.Publish(ctx, channelKey(messageID), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

var _ Cache = (*RedisCache)(nil)
