package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"termshare/internal/hub"
)

func TestAuditWriterAppliesClaimLifecycle(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	w := NewAuditWriter(s, zerolog.Nop())
	now := time.Now().UTC().Truncate(time.Second)

	w.Record(hub.AuditEvent{Kind: hub.AuditClaimAcquired, Session: "dev", Actor: "u1", At: now})
	w.Record(hub.AuditEvent{Kind: hub.AuditClaimReleased, Session: "dev", Actor: "u1", Detail: "expired", At: now.Add(time.Minute)})
	w.Record(hub.AuditEvent{Kind: hub.AuditSessionLost, Session: "dev", At: now.Add(2 * time.Minute)})
	w.Close()

	events, err := s.ListAudit(10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, hub.AuditSessionLost, events[0].Kind)

	var holder, reason string
	var released *time.Time
	err = s.db.QueryRow(`SELECT holder, reason, released_at FROM claims WHERE session = ?`, "dev").
		Scan(&holder, &reason, &released)
	require.NoError(t, err)
	assert.Equal(t, "u1", holder)
	assert.Equal(t, "expired", reason)
	require.NotNil(t, released)
}

func TestAuditWriterDefaultsReleaseReason(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	w := NewAuditWriter(s, zerolog.Nop())
	now := time.Now().UTC()
	w.Record(hub.AuditEvent{Kind: hub.AuditClaimAcquired, Session: "dev", Actor: "u1", At: now})
	w.Record(hub.AuditEvent{Kind: hub.AuditClaimReleased, Session: "dev", Actor: "u1", At: now})
	w.Close()

	var reason string
	require.NoError(t, s.db.QueryRow(`SELECT reason FROM claims WHERE session = ?`, "dev").Scan(&reason))
	assert.Equal(t, "released", reason)
}
