package storage

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestKeyScheme(t *testing.T) {
	ref := Ref{
		UserID:    uuid.MustParse("11111111-2222-3333-4444-555555555555"),
		ReceiptID: uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"),
		Date:      time.Date(2026, 3, 7, 15, 4, 5, 0, time.UTC),
	}

	assert.Equal(t,
		"users/11111111-2222-3333-4444-555555555555/receipts/2026/03/07/aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee/",
		ReceiptPrefix(ref))
	assert.Equal(t,
		"users/11111111-2222-3333-4444-555555555555/failed-receipts/2026/03/07/aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee/",
		QuarantinePrefix(ref))
	assert.Equal(t, ReceiptPrefix(ref)+"photo.jpg", ObjectKey(ref, "photo.jpg"))
	assert.Equal(t, QuarantinePrefix(ref)+"failure_record.json", QuarantineKey(ref, "failure_record.json"))
}

func TestKeySchemeUsesUTCDate(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	ref := Ref{
		UserID:    uuid.New(),
		ReceiptID: uuid.New(),
		// 01:30 on the 8th in UTC+9 is still the 7th in UTC.
		Date: time.Date(2026, 3, 8, 1, 30, 0, 0, loc),
	}
	assert.Contains(t, ReceiptPrefix(ref), "/2026/03/07/")
}
