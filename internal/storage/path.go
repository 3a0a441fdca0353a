package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

var (
	pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)
	slugReplacer         = regexp.MustCompile(`[^a-z0-9._-]+`)
)

// BuildResultPath returns the object key of an exported query result:
// results/<topic-slug>/date=YYYY-MM-DD/<result-id>.parquet
func BuildResultPath(topic, resultID string, at time.Time) (string, error) {
	slug := TopicSlug(topic)
	if err := validatePathComponent(slug, "topic"); err != nil {
		return "", err
	}
	if err := validatePathComponent(resultID, "result id"); err != nil {
		return "", err
	}
	ts := at.UTC()
	return path.Join(
		"results",
		slug,
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		resultID+".parquet",
	), nil
}

// TopicSlug lowercases topic and collapses characters outside [a-z0-9._-]
// into single dashes.
func TopicSlug(topic string) string {
	slug := slugReplacer.ReplaceAllString(strings.ToLower(strings.TrimSpace(topic)), "-")
	return strings.Trim(slug, "-._")
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
