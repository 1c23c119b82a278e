package export

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/bastion/internal/domain"
	"github.com/prn-tf/bastion/internal/pkg/clock"
	"github.com/prn-tf/bastion/internal/pkg/crypto"
	"github.com/prn-tf/bastion/internal/repository"
)

type fakeUploader struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (u *fakeUploader) PutObject(ctx context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if u.err != nil {
		return nil, u.err
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	u.input, u.body = params, body
	return &s3.PutObjectOutput{}, nil
}

// ledger is a PunishmentRepository that only streams.
type ledger struct {
	repository.PunishmentRepository
	items []*domain.Punishment
	err   error
}

func (l *ledger) ForEach(ctx context.Context, fn func(*domain.Punishment) error) error {
	if l.err != nil {
		return l.err
	}
	for _, p := range l.items {
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

func TestExport(t *testing.T) {
	steve := &domain.PlayerIdentity{ID: 1, UUID: uuid.MustParse("069a79f4-44e9-4726-a5be-fca90e38aaf5"), Username: "Steve"}
	reason := "spam"
	repo := &ledger{items: []*domain.Punishment{
		domain.RestorePunishment(1, domain.PunishmentMute, steve, domain.Console, &reason, 1000, 60_000, false, nil),
		domain.RestorePunishment(2, domain.PunishmentBan, steve, domain.Console, nil, 2000, 0, true, nil),
	}}
	up := &fakeUploader{}
	clk := clock.NewMock(time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC))

	result, err := NewExporter(repo, up, "ledgers", "bastion", clk, zerolog.Nop()).Export(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "bastion/punishments-20240501T123000Z.jsonl", result.Key)
	assert.Equal(t, 2, result.Count)
	assert.Equal(t, "ledgers", aws.ToString(up.input.Bucket))
	assert.Equal(t, result.Key, aws.ToString(up.input.Key))
	assert.Equal(t, int64(len(up.body)), result.Size)
	assert.Equal(t, crypto.ComputeSHA256(up.body), result.SHA256)
	assert.Equal(t, result.SHA256, up.input.Metadata["sha256"])

	var ids []int64
	scanner := bufio.NewScanner(bytes.NewReader(up.body))
	for scanner.Scan() {
		var row struct {
			ID     int64 `json:"id"`
			Lifted bool  `json:"lifted"`
		}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &row))
		ids = append(ids, row.ID)
	}
	assert.Equal(t, []int64{1, 2}, ids)
}

func TestExport_Failures(t *testing.T) {
	ctx := context.Background()

	_, err := NewExporter(&ledger{}, &fakeUploader{}, "", "bastion", nil, zerolog.Nop()).Export(ctx)
	assert.ErrorIs(t, err, ErrNoBucket)

	_, err = NewExporter(&ledger{err: errors.New("no such table")}, &fakeUploader{}, "b", "p", nil, zerolog.Nop()).Export(ctx)
	assert.ErrorIs(t, err, domain.ErrDurableStore)

	_, err = NewExporter(&ledger{}, &fakeUploader{err: errors.New("access denied")}, "b", "p", nil, zerolog.Nop()).Export(ctx)
	assert.Error(t, err)
}
