// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c-moss-talk/eventstore/pkg/errutil"
)

func TestParseAppendRange(t *testing.T) {
	t.Run("parses a well-formed payload", func(t *testing.T) {
		rng, err := parseAppendRange("stream-a,3,5")
		require.NoError(t, err)
		assert.Equal(t, appendRange{streamID: "stream-a", from: 3, to: 5}, rng)
	})

	t.Run("parses the all-stream payload", func(t *testing.T) {
		rng, err := parseAppendRange("$all,1,1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), rng.from)
		assert.Equal(t, int64(1), rng.to)
	})

	t.Run("rejects a payload missing fields", func(t *testing.T) {
		_, err := parseAppendRange("stream-a,3")
		errutil.AssertErrorCode(t, err, "notify_payload_malformed")
	})

	t.Run("rejects a non-numeric range", func(t *testing.T) {
		_, err := parseAppendRange("stream-a,x,5")
		errutil.AssertErrorCode(t, err, "notify_payload_malformed")
	})
}
