package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_NewToken(t *testing.T) {
	payload := TokenPayload{
		Uid:     1234,
		Node:    "http://node.mozilla.org",
		Expires: 1452807004.454294,
	}

	token, err := NewToken([]byte("thisisasecret"), payload)
	assert.NoError(t, err)
	assert.NotEmpty(t, token.Token)
	assert.NotEmpty(t, token.DerivedSecret)
	assert.NotEmpty(t, token.Payload.Salt)
}

func Test_ParseToken(t *testing.T) {
	assert := assert.New(t)

	payload := TokenPayload{
		Uid:     1234,
		Node:    "http://node.mozilla.org",
		Expires: 1452807004.454294,
	}

	generated, err := NewToken([]byte("thisisasecret"), payload)
	if !assert.NoError(err) {
		return
	}

	parsed, err := ParseToken([]byte("thisisasecret"), generated.Token)
	if !assert.NoError(err) {
		return
	}

	assert.Equal(generated.Payload, parsed.Payload)
	assert.Equal(generated.Token, parsed.Token)
	assert.Equal(generated.DerivedSecret, parsed.DerivedSecret)
}

func Test_ParseToken_WrongSecret(t *testing.T) {
	payload := TokenPayload{Uid: 1234, Node: "http://node.mozilla.org"}

	generated, err := NewToken([]byte("thisisasecret"), payload)
	assert.NoError(t, err)

	_, err = ParseToken([]byte("adifferentsecret"), generated.Token)
	assert.Equal(t, TokenSignatureMismatchErr, err)
}

func Test_ParseToken_Garbage(t *testing.T) {
	_, err := ParseToken([]byte("thisisasecret"), "dG9vc2hvcnQ=")
	assert.Equal(t, TokenPayloadDecodingErr, err)
}

func Test_TokenExpired(t *testing.T) {
	expectExpired := map[bool]float64{
		true:  float64(time.Now().Unix()) - 10000,
		false: float64(time.Now().Unix()) + 10000,
	}

	for expected, ts := range expectExpired {
		payload := TokenPayload{
			Uid:     1234,
			Node:    "http://node.mozilla.org",
			Expires: ts,
		}

		generated, err := NewToken([]byte("thisisasecret"), payload)
		assert.NoError(t, err)
		assert.Equal(t, expected, generated.Expired())
	}
}

func Test_TokenExpiredWithin(t *testing.T) {
	now := float64(time.Now().Unix())

	tok := Token{Payload: TokenPayload{Expires: now - 60}}
	assert.True(t, tok.ExpiredWithin(7200))
	assert.False(t, tok.ExpiredWithin(30))

	fresh := Token{Payload: TokenPayload{Expires: now + 60}}
	assert.False(t, fresh.ExpiredWithin(7200))
}

func TestTokenPayload(t *testing.T) {
	payload := TokenPayload{
		Uid:     1234,
		Node:    "http://node.mozilla.org",
		Expires: 1452807004.454294,
	}

	assert.Equal(t, "1234", payload.UidString())
}
