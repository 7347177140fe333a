package canonical

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: permuting the record slice or rebuilding records with the same
// entries yields identical canonical bytes.
func TestSerialize_PermutationInvariance(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("record order does not matter", prop.ForAll(
		func(ids []string, seed int64) bool {
			seen := map[string]bool{}
			var records []Record
			for _, id := range ids {
				if id == "" || seen[id] {
					continue
				}
				seen[id] = true
				records = append(records, Record{
					"id":            id,
					"last_modified": int64(len(records) + 1),
				})
			}

			shuffled := make([]Record, len(records))
			copy(shuffled, records)
			r := rand.New(rand.NewSource(seed))
			r.Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})

			a, err1 := Serialize(records, 42)
			b, err2 := Serialize(shuffled, 42)
			if err1 != nil || err2 != nil {
				return false
			}
			return bytes.Equal(a, b)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

func TestSerialize_TombstonesNeverAppear(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("deleted records leave no trace", prop.ForAll(
		func(id string) bool {
			if id == "" {
				return true
			}
			payload, err := Serialize([]Record{
				{"id": id, "deleted": true, "last_modified": int64(1)},
			}, 1)
			if err != nil {
				return false
			}
			return string(payload) == `{"data":[],"last_modified":"1"}`
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
