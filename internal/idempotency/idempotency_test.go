package idempotency

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKey_Deterministic(t *testing.T) {
	a := Key("tx_1", OpRelease)
	b := Key("tx_1", OpRelease)
	assert.Equal(t, a, b)
	assert.Equal(t, "rift:v2:release:tx_1", a)
}

func TestKey_DistinctPerOperationAndTransaction(t *testing.T) {
	keys := map[string]bool{
		Key("tx_1", OpRelease):                      true,
		Key("tx_1", OpRefund):                       true,
		Key("tx_2", OpRelease):                      true,
		MilestoneKey("tx_1", OpMilestoneRelease, 0): true,
		MilestoneKey("tx_1", OpMilestoneRelease, 1): true,
	}
	assert.Len(t, keys, 5)
}

func TestKeyWithVersion_BumpInvalidatesOldKey(t *testing.T) {
	idx := 3
	v1 := KeyWithVersion("tx_9", OpMilestoneRelease, &idx, 1)
	v2 := KeyWithVersion("tx_9", OpMilestoneRelease, &idx, 2)
	assert.NotEqual(t, v1, v2)
	assert.Equal(t, "rift:v2:milestone_release:tx_9:m3", v2)
}

func TestVersion_UnknownOperationDefaultsToOne(t *testing.T) {
	assert.Equal(t, 1, Version(Operation("other")))
}
