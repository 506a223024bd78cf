package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type codecSample struct {
	ID       int            `json:"postId"`
	Title    string         `json:"title"`
	Tags     []string       `json:"tags"`
	Count    int            `json:"commentsCount"`
	Nested   codecPaging    `json:"pagination"`
	Extra    map[string]int `json:"extra,omitempty"`
	Modified time.Time      `json:"updatedAt"`
}

type codecPaging struct {
	Page  int `json:"page"`
	Total int `json:"total"`
}

func TestNewCodec(t *testing.T) {
	for _, name := range []string{"", "json"} {
		c, err := NewCodec(name)
		require.NoError(t, err)
		assert.Equal(t, "json", c.Name())
	}

	c, err := NewCodec("msgpack")
	require.NoError(t, err)
	assert.Equal(t, "msgpack", c.Name())

	_, err = NewCodec("gob")
	assert.Error(t, err)
}

func TestCodec_RoundTrip(t *testing.T) {
	in := codecSample{
		ID:       7,
		Title:    "hello",
		Tags:     []string{"go", "sql"},
		Count:    3,
		Nested:   codecPaging{Page: 2, Total: 15},
		Extra:    map[string]int{"a": 1},
		Modified: time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC),
	}

	for _, c := range []Codec{JSONCodec{}, MsgpackCodec{}} {
		t.Run(c.Name(), func(t *testing.T) {
			data, err := c.Marshal(in)
			require.NoError(t, err)

			var out codecSample
			require.NoError(t, c.Unmarshal(data, &out))

			assert.True(t, in.Modified.Equal(out.Modified))
			out.Modified = in.Modified
			assert.Equal(t, in, out)
		})
	}
}

// 空陣列還原後仍是空陣列，不是 nil
func TestCodec_EmptySlice(t *testing.T) {
	for _, c := range []Codec{JSONCodec{}, MsgpackCodec{}} {
		t.Run(c.Name(), func(t *testing.T) {
			data, err := c.Marshal(codecSample{Tags: []string{}})
			require.NoError(t, err)

			var out codecSample
			require.NoError(t, c.Unmarshal(data, &out))
			assert.NotNil(t, out.Tags)
			assert.Empty(t, out.Tags)
		})
	}
}

func TestCodec_Corrupt(t *testing.T) {
	for _, c := range []Codec{JSONCodec{}, MsgpackCodec{}} {
		var out codecSample
		assert.Error(t, c.Unmarshal([]byte{0xc1, 0x00, 0xff}, &out), c.Name())
	}
}
