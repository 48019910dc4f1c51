package storage

import (
	"fmt"
	"strings"
)

const scheme = "s3://"

// Location formats the s3:// URL of a key prefix.
func Location(bucket, prefix string) string {
	return scheme + bucket + "/" + strings.Trim(prefix, "/")
}

// ParseLocation splits an s3:// location into bucket and key prefix. When
// bucket is not empty the location must point into it.
func ParseLocation(location, bucket string) (string, error) {
	if !strings.HasPrefix(location, scheme) {
		return "", fmt.Errorf("invalid s3 location %q", location)
	}
	gotBucket, prefix, ok := strings.Cut(strings.TrimPrefix(location, scheme), "/")
	switch {
	case gotBucket == "":
		return "", fmt.Errorf("invalid s3 location %q", location)
	case bucket != "" && gotBucket != bucket:
		return "", fmt.Errorf("s3 bucket mismatch: %s", gotBucket)
	case !ok || strings.Trim(prefix, "/") == "":
		return "", fmt.Errorf("s3 prefix missing in %q", location)
	}
	return strings.Trim(prefix, "/"), nil
}
