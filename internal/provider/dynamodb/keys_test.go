package dynamodb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeys(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"project", projectPK("p1"), "PROJECT#p1"},
		{"blob", blobPK("ab12"), "BLOB#ab12"},
		{"revision", revisionPK("rev-1"), "REV#rev-1"},
		{"working copy", wcPK("wc-1"), "WC#wc-1"},
		{"live working copy", liveWCPK("p1#rev-1#u1"), "LIVEWC#p1#rev-1#u1"},
		{"run", runPK("r1"), "RUN#r1"},
		{"step", stepPK("s1"), "STEP#s1"},
		{"finding", findingPK("f1"), "FINDING#f1"},
		{"file", fileSK("contracts/vault.tolk"), "FILE#contracts/vault.tolk"},
		{"finding fingerprint", findingSK("fp-1"), "FINDING#fp-1"},
		{"instance", instanceSK("f1"), "INSTANCE#f1"},
		{"job event", jobEventSK("01J"), "JOBEVENT#01J"},
		{"pdf", pdfSK("client"), "PDF#client"},
		{"transition", transitionSK("r2", "r1"), "TRANS#r2#r1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestTransitionSKOrdersByTargetRun(t *testing.T) {
	// ULID run ids sort by creation time, so SK order is target-run order.
	assert.Less(t, transitionSK("01HA", "01H9"), transitionSK("01HB", "01HA"))
}

func TestIsExpired(t *testing.T) {
	assert.False(t, isExpired(0))
	assert.True(t, isExpired(1))
	assert.False(t, isExpired(ttlEpoch(time.Hour)))
}
