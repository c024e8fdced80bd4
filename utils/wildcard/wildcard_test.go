package wildcard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchStar(t *testing.T) {
	assert.True(t, Match("*.example.com", "api.example.com"))
	assert.True(t, Match("*", ""))
	assert.True(t, Match("*", "anything/at/all"))
	assert.True(t, Match("/api/*", "/api/users/42"))
	assert.False(t, Match("*.example.com", "example.org"))
}

func TestMatchQuestionMark(t *testing.T) {
	assert.True(t, Match("a?c", "abc"))
	assert.False(t, Match("a?c", "ac"), "? must consume exactly one character")
	assert.False(t, Match("a?c", "abbc"))
}

func TestMatchCaseInsensitive(t *testing.T) {
	assert.True(t, Match("/API/*", "/api/health"))
	assert.True(t, Match("HOST-?", "host-1"))
}

func TestMatchExact(t *testing.T) {
	assert.True(t, Match("plain", "plain"))
	assert.False(t, Match("plain", "plainer"))
	assert.False(t, Match("", "x"))
	assert.True(t, Match("", ""))
}

func TestMatchMultipleStars(t *testing.T) {
	assert.True(t, Match("*mid*", "left-mid-right"))
	assert.True(t, Match("a*b*c", "aXXbYYc"))
	assert.False(t, Match("a*b*c", "aXXcYYb"))
}
