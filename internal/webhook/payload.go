package webhook

import (
	"bytes"
	"encoding/json"
)

// Keys of a GitHub push payload that decide whether a delivery concerns the
// configured branch. They are looked up by exact name.
const (
	refKey        = "ref"
	repositoryKey = "repository"
	fullNameKey   = "full_name"
)

// MatchesPush reports whether body is a push to branch of repo. Unparsable
// bodies, missing fields and non-string values never match. Keys and values
// are compared exactly, including case.
func MatchesPush(body []byte, repo, branch string) bool {
	var event map[string]json.RawMessage
	if err := json.Unmarshal(body, &event); err != nil {
		return false
	}

	ref, ok := stringField(event, refKey)
	if !ok {
		return false
	}

	var repository map[string]json.RawMessage
	raw, ok := event[repositoryKey]
	if !ok || json.Unmarshal(raw, &repository) != nil {
		return false
	}
	fullName, ok := stringField(repository, fullNameKey)
	if !ok {
		return false
	}

	return fullName == repo && ref == branch
}

// stringField returns obj[key] when it is present and a JSON string
func stringField(obj map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := obj[key]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return "", false
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
