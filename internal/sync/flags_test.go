package sync

import (
	"testing"

	"github.com/hkdb/larch/internal/logging"
	"github.com/stretchr/testify/assert"
)

func TestFlagsToCatalog(t *testing.T) {
	got := flagsToCatalog([]string{`\Seen`, `\Answered`, "$Forwarded", `\Flagged`})
	assert.Equal(t, []string{"Seen", "Answered", "$Forwarded", "Flagged"}, got)
}

func TestFlagsToWire(t *testing.T) {
	got := flagsToWire([]string{"Seen", "$Forwarded", "Deleted"})
	assert.Equal(t, []string{`\Seen`, "$Forwarded", `\Deleted`}, got)
}

func TestFlagsRoundTrip(t *testing.T) {
	in := []string{`\Seen`, `\Draft`, "$MDNSent"}
	assert.Equal(t, in, flagsToWire(flagsToCatalog(in)))
}

func TestSameFlags(t *testing.T) {
	assert.True(t, sameFlags([]string{"Seen", "Answered"}, []string{"Answered", "Seen"}))
	assert.True(t, sameFlags(nil, nil))
	assert.False(t, sameFlags([]string{"Seen"}, []string{"Seen", "Answered"}))
	assert.False(t, sameFlags([]string{"Seen"}, []string{"Answered"}))
}

func TestFilterStorableFlagsDropsRecent(t *testing.T) {
	log := logging.WithComponent("test")
	got := filterStorableFlags([]string{`\Seen`, `\Recent`}, nil, log)
	assert.Equal(t, []string{`\Seen`}, got)
}

func TestFilterStorableFlagsRespectsAccepted(t *testing.T) {
	log := logging.WithComponent("test")
	accepted := []string{`\Seen`, `\Deleted`}

	got := filterStorableFlags([]string{`\Seen`, `\Flagged`, "$Custom"}, accepted, log)
	assert.Equal(t, []string{`\Seen`}, got)
}

func TestFilterStorableFlagsStarAdmitsKeywords(t *testing.T) {
	log := logging.WithComponent("test")
	accepted := []string{`\Seen`, `\*`}

	got := filterStorableFlags([]string{`\Seen`, `\Flagged`, "$Custom"}, accepted, log)
	assert.Equal(t, []string{`\Seen`, "$Custom"}, got)
}
