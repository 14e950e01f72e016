// Package canonical provides deterministic hash derivation for the
// tamper-evident event log.
//
// Three hashes define the integrity model:
//   - Content hash: SHA-256 over a canonical projection of event fields;
//     identifies the payload regardless of its position in the chain.
//   - Chain hash: SHA-256 over content hash || previous chain hash; the
//     per-event link in the append-only log.
//   - Genesis hash: deterministic anchor for the first event in a
//     (device, log date) scope.
//
// This package provides pure functions operating on primitives so that both
// the write path (chain appender) and the read path (chain verification) can
// derive identical values without sharing state.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// fieldCount is the number of fields in the canonical content projection.
const fieldCount = 9

// Projection is the canonical field set hashed into an event's content hash.
//
// The field order is pinned and must never change once events exist: a
// different order produces a different content hash for the same payload and
// breaks chain verification for every stored event.
//
// Pinned order:
//
//	device | logDate | sequence | eventType | eventCode |
//	eventDate | eventTime | odometerTenths | engineHoursTenths
type Projection struct {
	DeviceID          string
	LogDate           string // YYYY-MM-DD, home-terminal day
	SequenceID        int
	EventType         int
	EventCode         int
	EventDate         string // MMDDYY
	EventTime         string // HHMMSS
	OdometerTenths    int64
	EngineHoursTenths int64
}

// ContentHash computes the content hash for a canonical projection.
//
// Formula: SHA-256("device|logDate|sequence|eventType|eventCode|eventDate|eventTime|odometerTenths|engineHoursTenths")
//
// Same projection always produces the same hash; any field change produces a
// different hash. The pipe separator prevents ambiguity between adjacent
// numeric fields.
//
// Returns: 64-character lowercase hex string.
func ContentHash(p Projection) string {
	fields := make([]string, 0, fieldCount)
	fields = append(fields,
		p.DeviceID,
		p.LogDate,
		strconv.Itoa(p.SequenceID),
		strconv.Itoa(p.EventType),
		strconv.Itoa(p.EventCode),
		p.EventDate,
		p.EventTime,
		strconv.FormatInt(p.OdometerTenths, 10),
		strconv.FormatInt(p.EngineHoursTenths, 10),
	)

	return hashSHA256(strings.Join(fields, "|"))
}

// ChainHash computes the chain link for an event.
//
// Formula: SHA-256(contentHash || previousChainHash)
//
// The previous chain hash is the chain hash of the most recent active event
// in the same scope, or the scope's genesis hash when the scope is empty.
//
// Returns: 64-character lowercase hex string.
func ChainHash(contentHash, previousChainHash string) string {
	return hashSHA256(contentHash + previousChainHash)
}

// GenesisHash computes the deterministic chain anchor for a scope.
//
// Formula: SHA-256("genesis:{device}:{logDate}")
//
// Every (device, log date) scope has exactly one genesis value; the first
// event appended to a scope links to it as its previous chain hash.
//
// Returns: 64-character lowercase hex string.
func GenesisHash(deviceID, logDate string) string {
	return hashSHA256("genesis:" + deviceID + ":" + logDate)
}

// hashSHA256 computes the SHA-256 hash of the input string.
func hashSHA256(input string) string {
	hash := sha256.Sum256([]byte(input))

	return hex.EncodeToString(hash[:])
}
