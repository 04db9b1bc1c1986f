package keylock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocker_SameKeySameStripe(t *testing.T) {
	l := New(16)
	assert.Equal(t, l.Index("alice"), l.Index("alice"))
	assert.Equal(t, 16, l.Stripes())
	assert.Equal(t, l.Index("bob"), ShardIndex("bob", 16))
}

func TestLocker_DefaultStripes(t *testing.T) {
	assert.Equal(t, defaultStripes, New(0).Stripes())
}

func TestLocker_SerializesSameKey(t *testing.T) {
	l := New(8)
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("pair")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, counter)
}
