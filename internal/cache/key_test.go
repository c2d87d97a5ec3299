package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyNormalizesQueryOrder(t *testing.T) {
	a := Key("GET", "https://api.example.com/models?b=2&a=1")
	b := Key("GET", "https://api.example.com/models?a=1&b=2")
	assert.Equal(t, a, b)
}

func TestKeyDropsFragment(t *testing.T) {
	a := Key("GET", "https://example.com/page#section")
	b := Key("GET", "https://example.com/page")
	assert.Equal(t, a, b)
}

func TestKeyLowercasesHostAndScheme(t *testing.T) {
	a := Key("GET", "HTTPS://API.Example.COM/v1")
	b := Key("GET", "https://api.example.com/v1")
	assert.Equal(t, a, b)
}

func TestKeyDefaultsMethodToGet(t *testing.T) {
	assert.Equal(t, Key("GET", "https://example.com/"), Key("", "https://example.com/"))
	assert.Equal(t, Key("GET", "https://example.com/"), Key("get", "https://example.com/"))
}

func TestKeyDistinguishesMethodAndPath(t *testing.T) {
	assert.NotEqual(t, Key("GET", "https://example.com/a"), Key("POST", "https://example.com/a"))
	assert.NotEqual(t, Key("GET", "https://example.com/a"), Key("GET", "https://example.com/b"))
}

func TestKeyNormalizesBareHost(t *testing.T) {
	assert.Equal(t, Key("GET", "https://example.com/"), Key("GET", "https://example.com"))
}
