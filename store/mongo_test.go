package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"eve.evalgo.org/entity"
)

func TestMongoDocRoundTripsExtraFields(t *testing.T) {
	r := entity.New("guild")
	r.SetAttribute("name", "Alpha")
	r.Extra = map[string]json.RawMessage{
		"legacyFlag": json.RawMessage(`true`),
		"shardHint":  json.RawMessage(`{"region":"eu"}`),
	}

	doc := toMongoDoc(r)
	require.Len(t, doc.Extra, 2)

	back := doc.toRecord()
	require.JSONEq(t, `true`, string(back.Extra["legacyFlag"]))
	require.JSONEq(t, `{"region":"eu"}`, string(back.Extra["shardHint"]))
}

func TestMongoDocWithNoExtraRoundTripsCleanly(t *testing.T) {
	r := entity.New("guild")
	doc := toMongoDoc(r)
	require.Empty(t, doc.Extra)

	back := doc.toRecord()
	require.Empty(t, back.Extra)
}
