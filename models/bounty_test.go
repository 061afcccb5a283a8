package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBountyIsTerminal(t *testing.T) {
	assert.False(t, (&Bounty{Status: BountyStatusOpen}).IsTerminal())
	assert.True(t, (&Bounty{Status: BountyStatusResolved}).IsTerminal())
	assert.True(t, (&Bounty{Status: BountyStatusRefunded}).IsTerminal())
	assert.True(t, (&Bounty{Status: BountyStatusCanceled}).IsTerminal())
}
