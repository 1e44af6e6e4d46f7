package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// classifyConflict decides whether an incoming delta collides with the local
// record. A collision requires both sides to have moved since the space last
// synced successfully: the local record was updated after lastSyncTime AND
// the delta was produced after lastSyncTime. Anything else is a clean apply.
func classifyConflict(local *EntityRecord, delta SyncDelta, lastSyncTime int64) (ConflictType, bool) {
	if local == nil {
		return "", false
	}
	if local.UpdatedAt <= lastSyncTime || delta.Timestamp <= lastSyncTime {
		return "", false
	}

	switch {
	case local.Deleted && delta.Operation == OperationDelete:
		// Both sides already agree the entity is gone.
		return "", false
	case local.Deleted && delta.Operation != OperationDelete:
		return ConflictDeleteUpdate, true
	case !local.Deleted && delta.Operation == OperationDelete:
		return ConflictUpdateDelete, true
	default:
		return ConflictUpdateUpdate, true
	}
}

// Fields holding prose. Concurrent edits to these concatenate instead of
// dropping one side.
var textFields = map[string]bool{
	"content":     true,
	"text":        true,
	"body":        true,
	"description": true,
	"notes":       true,
}

const mergeSeparator = "\n\n--- merged ---\n\n"

// mergePayloads combines two conflicting plaintext payloads field by field.
// Fields present on one side only are kept. Fields present on both sides
// take the value from the side with the newer timestamp, except prose fields
// where both values survive via concatenation. Payloads that are not JSON
// objects fall back to whole-payload last-writer-wins.
func mergePayloads(localData, remoteData []byte, localTime, remoteTime int64) ([]byte, error) {
	var localFields, remoteFields map[string]json.RawMessage
	if err := json.Unmarshal(localData, &localFields); err != nil {
		return newerPayload(localData, remoteData, localTime, remoteTime), nil
	}
	if err := json.Unmarshal(remoteData, &remoteFields); err != nil {
		return newerPayload(localData, remoteData, localTime, remoteTime), nil
	}

	merged := make(map[string]json.RawMessage, len(localFields)+len(remoteFields))
	for name, value := range localFields {
		merged[name] = value
	}
	for name, remoteValue := range remoteFields {
		localValue, present := merged[name]
		if !present {
			merged[name] = remoteValue
			continue
		}
		if string(localValue) == string(remoteValue) {
			continue
		}
		if textFields[name] {
			if combined, ok := concatenateTexts(localValue, remoteValue, localTime <= remoteTime); ok {
				merged[name] = combined
				continue
			}
		}
		if remoteTime >= localTime {
			merged[name] = remoteValue
		}
	}

	return marshalOrdered(merged)
}

func newerPayload(localData, remoteData []byte, localTime, remoteTime int64) []byte {
	if remoteTime >= localTime {
		return remoteData
	}
	return localData
}

// concatenateTexts joins two diverged string values oldest first. Returns
// false when either value is not a JSON string.
func concatenateTexts(localValue, remoteValue json.RawMessage, localOlder bool) (json.RawMessage, bool) {
	var localText, remoteText string
	if err := json.Unmarshal(localValue, &localText); err != nil {
		return nil, false
	}
	if err := json.Unmarshal(remoteValue, &remoteText); err != nil {
		return nil, false
	}

	// One side containing the other means one side only appended.
	if strings.Contains(localText, remoteText) {
		return localValue, true
	}
	if strings.Contains(remoteText, localText) {
		return remoteValue, true
	}

	first, second := localText, remoteText
	if !localOlder {
		first, second = remoteText, localText
	}
	combined, err := json.Marshal(first + mergeSeparator + second)
	if err != nil {
		return nil, false
	}
	return combined, true
}

// marshalOrdered writes the field map with sorted keys so merged payloads
// are byte-stable across devices.
func marshalOrdered(fields map[string]json.RawMessage) ([]byte, error) {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var builder strings.Builder
	builder.WriteByte('{')
	for i, name := range names {
		if i > 0 {
			builder.WriteByte(',')
		}
		encodedName, err := json.Marshal(name)
		if err != nil {
			return nil, fmt.Errorf("encode field name %q: %w", name, err)
		}
		builder.Write(encodedName)
		builder.WriteByte(':')
		builder.Write(fields[name])
	}
	builder.WriteByte('}')
	return []byte(builder.String()), nil
}
