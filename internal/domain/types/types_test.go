package types_test

import (
	"encoding/json"
	"testing"

	types "github.com/okian/alpharank/internal/domain/types"
	. "github.com/smartystreets/goconvey/convey"
)

func TestEntry(t *testing.T) {
	Convey("Given an Entry", t, func() {
		entry := types.Entry{Rank: 1, EntityID: "wr-7", Class: "WR", Rating: 85.5, Tier: "elite"}

		Convey("When it is encoded as JSON", func() {
			b, err := json.Marshal(entry)

			Convey("Then it uses snake_case keys and omits an empty name", func() {
				So(err, ShouldBeNil)
				So(string(b), ShouldContainSubstring, `"entity_id":"wr-7"`)
				So(string(b), ShouldContainSubstring, `"rating":85.5`)
				So(string(b), ShouldNotContainSubstring, "entity_name")
			})
		})
	})
}
