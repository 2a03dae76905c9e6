package dlq

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"
)

const metaPrefix = "meta_"

// encodeFields builds the Redis stream field map for one entry.
func encodeFields(e DeadLetterEntry) map[string]any {
	fields := map[string]any{
		"id":               e.ID,
		"timestamp":        e.Timestamp.UTC().Format(time.RFC3339Nano),
		"source_queue":     e.SourceQueue,
		"payload":          base64.StdEncoding.EncodeToString(e.Payload),
		"error_type":       e.ErrorType,
		"error_message":    e.ErrorMessage,
		"error_traceback":  e.ErrorTraceback,
		"retry_count":      strconv.Itoa(e.RetryCount),
		"requeue_count":    strconv.Itoa(e.RequeueCount),
		"category":         string(e.Category),
	}
	for k, v := range e.Metadata {
		fields[metaPrefix+k] = v
	}
	return fields
}

// redriveFields builds the reduced field map RedriveMany writes to the
// destination stream: message ID, payload, and metadata keys
// unprefixed -- distinct from encodeFields, which prefixes metadata
// with metaPrefix for the dead-letter stream's own encoding.
func redriveFields(e DeadLetterEntry) map[string]any {
	fields := map[string]any{
		"message_id": e.ID,
		"payload":    base64.StdEncoding.EncodeToString(e.Payload),
	}
	for k, v := range e.Metadata {
		fields[k] = v
	}
	return fields
}

// decodeFields parses a Redis stream field map back into a
// DeadLetterEntry. A corrupt base64 payload is a hard failure -- every
// other field falls back to a safe default with a warning logged,
// matching the original's decode-tolerance policy.
func decodeFields(streamID string, values map[string]interface{}, logger *logharbour.Logger) (DeadLetterEntry, error) {
	str := func(key string) string {
		v, ok := values[key]
		if !ok {
			return ""
		}
		s, _ := v.(string)
		return s
	}

	rawPayload := str("payload")
	payload, err := base64.StdEncoding.DecodeString(rawPayload)
	if err != nil {
		return DeadLetterEntry{}, fmt.Errorf("dlq: corrupt payload for entry %s: %w", streamID, err)
	}

	timestamp, tsErr := time.Parse(time.RFC3339Nano, str("timestamp"))
	if tsErr != nil {
		timestamp, tsErr = time.Parse(time.RFC3339, str("timestamp"))
	}
	if tsErr != nil {
		timestamp = time.Now().UTC()
		logger.Warn().LogActivity("dlq: unparseable timestamp, using now", map[string]any{
			"entry_id": streamID, "raw": str("timestamp"),
		})
	}

	category := FailureCategory(str("category"))
	if !category.Valid() {
		logger.Warn().LogActivity("dlq: unknown failure category, defaulting to transient", map[string]any{
			"entry_id": streamID, "raw": str("category"),
		})
		category = CategoryTransient
	}

	safeInt := func(key string) int {
		raw := str(key)
		n, err := strconv.Atoi(raw)
		if err != nil {
			logger.Warn().LogActivity("dlq: unparseable integer field, defaulting to 0", map[string]any{
				"entry_id": streamID, "field": key, "raw": raw,
			})
			return 0
		}
		return n
	}

	metadata := map[string]string{}
	for k, v := range values {
		if strings.HasPrefix(k, metaPrefix) {
			if s, ok := v.(string); ok {
				metadata[strings.TrimPrefix(k, metaPrefix)] = s
			}
		}
	}

	return DeadLetterEntry{
		ID:             str("id"),
		StreamID:       streamID,
		Timestamp:      timestamp,
		SourceQueue:    str("source_queue"),
		Payload:        payload,
		ErrorType:      str("error_type"),
		ErrorMessage:   str("error_message"),
		ErrorTraceback: str("error_traceback"),
		RetryCount:     safeInt("retry_count"),
		RequeueCount:   safeInt("requeue_count"),
		Category:       category,
		Metadata:       metadata,
	}, nil
}
