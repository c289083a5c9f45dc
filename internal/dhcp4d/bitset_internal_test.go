package dhcp4d

import (
	"math"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
)

func TestBitset(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		var s *bitset

		assert.False(t, s.isSet(0))
		assert.NotPanics(t, func() { s.set(0, true) })
		assert.False(t, s.isSet(0))
		assert.Zero(t, s.count())
	})

	t.Run("non_nil", func(t *testing.T) {
		s := newBitset()

		assert.False(t, s.isSet(0))

		s.set(0, true)
		assert.True(t, s.isSet(0))
		assert.Equal(t, 1, s.count())

		s.set(0, false)
		assert.False(t, s.isSet(0))
		assert.Zero(t, s.count())
	})

	t.Run("non_nil_long", func(t *testing.T) {
		s := newBitset()

		s.set(0, true)
		s.set(math.MaxUint64, true)
		assert.Len(t, s.words, 2)

		assert.True(t, s.isSet(0))
		assert.True(t, s.isSet(math.MaxUint64))
		assert.Equal(t, 2, s.count())
	})

	t.Run("compare_to_map", func(t *testing.T) {
		m := map[uint64]struct{}{}
		s := newBitset()

		mapFunc := func(setNew, checkOld, delOld uint64) (ok bool) {
			m[setNew] = struct{}{}
			delete(m, delOld)
			_, ok = m[checkOld]

			return ok
		}

		setFunc := func(setNew, checkOld, delOld uint64) (ok bool) {
			s.set(setNew, true)
			s.set(delOld, false)

			return s.isSet(checkOld)
		}

		err := quick.CheckEqual(mapFunc, setFunc, &quick.Config{
			MaxCount:      10_000,
			MaxCountScale: 10,
		})
		assert.NoError(t, err)
	})
}
