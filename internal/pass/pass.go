// Package pass issues guardian passes: short-lived, single-use tokens a
// guardian shows at the gate as a QR code.
package pass

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/skip2/go-qrcode"

	"schoolgate/internal/domain"
	"schoolgate/internal/repository"
	"schoolgate/internal/schoolday"
	"schoolgate/internal/verify"
)

const (
	defaultTTL  = 2 * time.Hour
	qrSize      = 320
	maxAttempts = 3
)

type Issuer struct {
	tx  repository.TxManager
	cal *schoolday.Calendar
	ttl time.Duration
}

func NewIssuer(tx repository.TxManager, cal *schoolday.Calendar, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Issuer{tx: tx, cal: cal, ttl: ttl}
}

// Issue creates a pass for the acting guardian to drop off or pick up studentID.
func (i *Issuer) Issue(ctx context.Context, actor domain.Actor, studentID string, purpose domain.Purpose) (domain.GuardianPass, error) {
	if !actor.IsGuardian() {
		return domain.GuardianPass{}, domain.Forbidden(domain.CodeRoleRequired, "only guardians can request a pass")
	}
	if !purpose.Valid() {
		return domain.GuardianPass{}, domain.Validation(domain.CodeInvalidValue, `purpose must be "Drop off" or "Pick up"`)
	}
	tok, err := verify.ClassifyAndValidate(studentID, verify.KindStudentID)
	if err != nil {
		return domain.GuardianPass{}, err
	}

	var p domain.GuardianPass
	err = i.tx.WithTx(ctx, func(ctx context.Context, r repository.Repos) error {
		student, err := verify.ResolveStudentIDIn(ctx, r, tok.Value)
		if err != nil {
			return err
		}
		if !student.HasGuardian(actor.UserID) {
			return domain.Forbidden(domain.CodeNotLinked, "you are not a guardian of this student")
		}
		name := actor.Name
		if g, err := r.Guardians.Get(ctx, actor.UserID); err != nil {
			return err
		} else if g != nil {
			name = g.DisplayName
		}

		now := i.cal.Now()
		for attempt := 0; attempt < maxAttempts; attempt++ {
			token, err := NewToken()
			if err != nil {
				return err
			}
			p = domain.GuardianPass{
				Token:        token,
				StudentID:    student.ID,
				GuardianID:   actor.UserID,
				GuardianName: name,
				Purpose:      purpose,
				IssuedAt:     now,
				ExpiresAt:    now.Add(i.ttl),
			}
			err = r.Passes.Create(ctx, p)
			if !errors.Is(err, repository.ErrConflict) {
				return err
			}
		}
		return domain.Unavailable(errors.New("could not allocate a unique pass token"))
	})
	if err != nil {
		return domain.GuardianPass{}, domain.Wrap(err)
	}
	return p, nil
}

// QR renders the pass as a PNG. Only its guardian and staff may fetch it.
func (i *Issuer) QR(ctx context.Context, actor domain.Actor, token string) ([]byte, error) {
	tok, err := verify.ClassifyAndValidate(token, verify.KindGuardianPass)
	if err != nil {
		return nil, err
	}
	var p *domain.GuardianPass
	err = i.tx.WithTx(ctx, func(ctx context.Context, r repository.Repos) error {
		var err error
		p, err = r.Passes.Get(ctx, tok.Value)
		return err
	})
	if err != nil {
		return nil, domain.Wrap(err)
	}
	if p == nil || (!actor.IsStaff() && p.GuardianID != actor.UserID) {
		return nil, domain.NotFound(domain.CodeUnknownPass, "this pass doesn't exist")
	}
	return qrcode.Encode(p.Token, qrcode.Medium, qrSize)
}

// NewToken returns 24 lowercase hex characters from crypto/rand.
func NewToken() (string, error) {
	b := make([]byte, verify.GuardianPassChars/2)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
