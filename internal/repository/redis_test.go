package repository

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScriptHashConcurrentReload(t *testing.T) {
	r := &RedisRepository{scriptHashes: make(map[string]string)}
	r.setScriptHash(scriptRecordTurnout, "sha-0")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			r.setScriptHash(scriptRecordTurnout, fmt.Sprintf("sha-%d", i))
		}(i)
		go func() {
			defer wg.Done()
			sha1, ok := r.scriptHash(scriptRecordTurnout)
			require.True(t, ok)
			require.NotEmpty(t, sha1)
		}()
	}
	wg.Wait()

	_, ok := r.scriptHash("missing")
	require.False(t, ok)
}
