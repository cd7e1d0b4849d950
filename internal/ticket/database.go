package ticket

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	ticketBucketName   = "tickets"
	authCodeBucketName = "authorization_codes"
)

// errExpired marks a record whose TTL has passed
var errExpired = errors.New("record expired")

// AuthCode is a one-time authorization code issued to an administrator
type AuthCode struct {
	Code      string    `json:"code"`
	SessionID string    `json:"session_id"`
	TicketID  string    `json:"ticket_id"`
	IssuedAt  time.Time `json:"issued_at"`
}

// DB is the session-scoped state store. Every record carries an expiry:
// tickets live for the session TTL (refreshed on every save) and
// authorization codes for the authorization TTL. Expired records behave as
// missing.
type DB interface {
	// SaveTicket stores the ticket of a session, replacing any previous one
	SaveTicket(sessionID string, t *Ticket) error

	// GetTicket returns the session's ticket or ErrMissingTicket
	GetTicket(sessionID string) (*Ticket, error)

	// SaveAuthCode stores an authorization code
	SaveAuthCode(code *AuthCode) error

	// ConsumeAuthCode validates and deletes a code issued to sessionID
	ConsumeAuthCode(code string, sessionID string) (*AuthCode, error)

	// PurgeExpired deletes every expired record and returns how many were removed
	PurgeExpired() (int, error)

	// Close closes the database connection
	Close() error
}

// record wraps every stored value with its expiry
type record struct {
	ExpiresAt time.Time       `json:"expires_at"`
	Data      json.RawMessage `json:"data"`
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db          *bbolt.DB
	ticketTTL   time.Duration
	authCodeTTL time.Duration
	now         func() time.Time
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string, ticketTTL, authCodeTTL time.Duration) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{ticketBucketName, authCodeBucketName} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{
		db:          db,
		ticketTTL:   ticketTTL,
		authCodeTTL: authCodeTTL,
		now:         time.Now,
	}, nil
}

func (b *BoltDB) put(tx *bbolt.Tx, bucket, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshaling %s record: %w", bucket, err)
	}
	rec, err := json.Marshal(record{ExpiresAt: b.now().Add(ttl), Data: data})
	if err != nil {
		return fmt.Errorf("marshaling %s record: %w", bucket, err)
	}
	return tx.Bucket([]byte(bucket)).Put([]byte(key), rec)
}

// get decodes a live record into value. It returns (false, nil) for
// missing keys and errExpired for expired ones.
func (b *BoltDB) get(tx *bbolt.Tx, bucket, key string, value any) (bool, error) {
	raw := tx.Bucket([]byte(bucket)).Get([]byte(key))
	if raw == nil {
		return false, nil
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return false, fmt.Errorf("unmarshaling %s record: %w", bucket, err)
	}
	if !b.now().Before(rec.ExpiresAt) {
		return false, errExpired
	}
	if err := json.Unmarshal(rec.Data, value); err != nil {
		return false, fmt.Errorf("unmarshaling %s: %w", bucket, err)
	}
	return true, nil
}

// SaveTicket saves a ticket and refreshes its expiry
func (b *BoltDB) SaveTicket(sessionID string, t *Ticket) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return b.put(tx, ticketBucketName, sessionID, t, b.ticketTTL)
	})
}

// GetTicket retrieves the ticket of a session
func (b *BoltDB) GetTicket(sessionID string) (*Ticket, error) {
	var t Ticket
	err := b.db.View(func(tx *bbolt.Tx) error {
		found, err := b.get(tx, ticketBucketName, sessionID, &t)
		if errors.Is(err, errExpired) || (err == nil && !found) {
			return ErrMissingTicket
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if !t.Stage.Valid() {
		return nil, fmt.Errorf("stored ticket %s has unknown stage %q", t.ID, t.Stage)
	}
	t.Parsed.RestoreKinds()
	return &t, nil
}

// SaveAuthCode stores an authorization code for the authorization TTL
func (b *BoltDB) SaveAuthCode(code *AuthCode) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return b.put(tx, authCodeBucketName, code.Code, code, b.authCodeTTL)
	})
}

// ConsumeAuthCode checks a code against the session it was issued to and
// deletes it. Codes are single use.
func (b *BoltDB) ConsumeAuthCode(code string, sessionID string) (*AuthCode, error) {
	var ac AuthCode
	err := b.db.Update(func(tx *bbolt.Tx) error {
		found, err := b.get(tx, authCodeBucketName, code, &ac)
		// expired codes are left for PurgeExpired; an error here rolls back the tx
		if errors.Is(err, errExpired) {
			return ErrInvalidAuthorization
		}
		if err != nil {
			return err
		}
		if !found || ac.SessionID != sessionID {
			return ErrInvalidAuthorization
		}
		return tx.Bucket([]byte(authCodeBucketName)).Delete([]byte(code))
	})
	if err != nil {
		return nil, err
	}
	return &ac, nil
}

// PurgeExpired removes expired tickets and authorization codes
func (b *BoltDB) PurgeExpired() (int, error) {
	removed := 0
	err := b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{ticketBucketName, authCodeBucketName} {
			bucket := tx.Bucket([]byte(name))
			var expired [][]byte
			err := bucket.ForEach(func(k, v []byte) error {
				var rec record
				if err := json.Unmarshal(v, &rec); err != nil || !b.now().Before(rec.ExpiresAt) {
					expired = append(expired, append([]byte(nil), k...))
				}
				return nil
			})
			if err != nil {
				return err
			}
			for _, k := range expired {
				if err := bucket.Delete(k); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purging expired records: %w", err)
	}
	return removed, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
