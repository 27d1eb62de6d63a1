package rediskv

import (
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestIsMissDetectsRedisNil(t *testing.T) {
	if !IsMiss(redis.Nil) {
		t.Errorf("expected redis.Nil to be classified as a miss")
	}
}

func TestIsMissRejectsOtherErrors(t *testing.T) {
	if IsMiss(errDeadlineExceeded{}) {
		t.Errorf("expected a non-Nil error to not be classified as a miss")
	}
}

type errDeadlineExceeded struct{}

func (errDeadlineExceeded) Error() string { return "context deadline exceeded" }
