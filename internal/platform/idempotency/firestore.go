package idempotency

import (
	"context"
	"errors"
	"net/http"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/qrshop/api/internal/platform/firestore"
)

const defaultCollection = "idempotencyKeys"

type entryDocument struct {
	Fingerprint    string              `firestore:"fingerprint"`
	Completed      bool                `firestore:"completed"`
	ResponseStatus int                 `firestore:"responseStatus,omitempty"`
	ResponseHeader map[string][]string `firestore:"responseHeader,omitempty"`
	ResponseBody   []byte              `firestore:"responseBody,omitempty"`
	CreatedAt      time.Time           `firestore:"createdAt"`
	ExpiresAt      time.Time           `firestore:"expiresAt"`
}

func (d entryDocument) entry() Entry {
	return Entry{
		Fingerprint: d.Fingerprint,
		Completed:   d.Completed,
		Response: Response{
			Status: d.ResponseStatus,
			Header: http.Header(d.ResponseHeader),
			Body:   d.ResponseBody,
		},
		CreatedAt: d.CreatedAt,
		ExpiresAt: d.ExpiresAt,
	}
}

// FirestoreStore keeps entries in a Firestore collection. Reservation runs in a transaction so two
// instances cannot both claim a key.
type FirestoreStore struct {
	provider *pfirestore.Provider
	docs     *pfirestore.Collection[entryDocument]
}

// NewFirestoreStore binds the store to the provider. An empty collection name selects the default.
func NewFirestoreStore(provider *pfirestore.Provider, collection string) *FirestoreStore {
	if collection == "" {
		collection = defaultCollection
	}
	return &FirestoreStore{
		provider: provider,
		docs:     pfirestore.NewCollection[entryDocument](provider, collection),
	}
}

func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	ref, err := s.docs.Ref(ctx, key)
	if err != nil {
		return 0, Entry{}, err
	}

	var (
		outcome Outcome
		entry   Entry
	)
	err = s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := s.docs.GetTx(tx, ref)
		switch {
		case err == nil && !doc.entry().expired(now):
			if doc.Fingerprint != fingerprint {
				return &pfirestore.Abort{Err: ErrFingerprintMismatch}
			}
			entry = doc.entry()
			outcome = OutcomeInFlight
			if doc.Completed {
				outcome = OutcomeReplay
			}
			return nil
		case err != nil && !pfirestore.IsNotFound(err):
			return err
		}
		fresh := entryDocument{Fingerprint: fingerprint, CreatedAt: now, ExpiresAt: now.Add(ttl)}
		if err := tx.Set(ref, fresh); err != nil {
			return err
		}
		outcome, entry = OutcomeReserved, fresh.entry()
		return nil
	})
	if err != nil {
		return 0, Entry{}, err
	}
	return outcome, entry, nil
}

func (s *FirestoreStore) Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	ref, err := s.docs.Ref(ctx, key)
	if err != nil {
		return err
	}
	recorded := cloneResponse(resp)

	return s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := s.docs.GetTx(tx, ref)
		switch {
		case err == nil:
			if doc.Fingerprint != fingerprint {
				return &pfirestore.Abort{Err: ErrFingerprintMismatch}
			}
		case pfirestore.IsNotFound(err):
			doc = entryDocument{Fingerprint: fingerprint, CreatedAt: now}
		default:
			return err
		}
		doc.Completed = true
		doc.ResponseStatus = recorded.Status
		doc.ResponseHeader = recorded.Header
		doc.ResponseBody = recorded.Body
		doc.ExpiresAt = now.Add(ttl)
		return tx.Set(ref, doc)
	})
}

func (s *FirestoreStore) Release(ctx context.Context, key string) error {
	ref, err := s.docs.Ref(ctx, key)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil && !pfirestore.IsNotFound(err) {
		return pfirestore.WrapError("idempotency.release", err)
	}
	return nil
}

func (s *FirestoreStore) PurgeExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	docs, err := s.docs.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("expiresAt", "<=", now.UTC()).Limit(limit)
	})
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for _, doc := range docs {
		if err := s.Release(ctx, doc.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
