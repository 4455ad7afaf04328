// Package verify classifies scanned QR codes by shape and resolves them to
// their backing records. Shape checks never touch the store.
package verify

import (
	"context"
	"regexp"
	"strings"
	"time"

	"schoolgate/internal/domain"
	"schoolgate/internal/repository"
)

// Kind is the shape of a scanned code.
type Kind string

const (
	KindUnknown      Kind = ""
	KindGuardianPass Kind = "guardian_pass"
	KindStudentID    Kind = "student_id"
)

// GuardianPassChars is the length of a guardian pass token.
const GuardianPassChars = 24

var (
	guardianPassRe = regexp.MustCompile(`^[0-9a-fA-F]{24}$`)
	studentIDRe    = regexp.MustCompile(`^\d{4}-\d{3,4}$`)
)

// Token is a classified scan. Value is normalized: pass tokens are lowercased.
type Token struct {
	Kind  Kind   `json:"kind"`
	Value string `json:"value"`
}

// Classify returns the shape of raw, or KindUnknown.
func Classify(raw string) Kind {
	raw = strings.TrimSpace(raw)
	switch {
	case guardianPassRe.MatchString(raw):
		return KindGuardianPass
	case studentIDRe.MatchString(raw):
		return KindStudentID
	default:
		return KindUnknown
	}
}

func IsGuardianPass(raw string) bool { return Classify(raw) == KindGuardianPass }

func IsStudentID(raw string) bool { return Classify(raw) == KindStudentID }

// ClassifyAndValidate accepts raw only if it has the shape the scan mode expects.
func ClassifyAndValidate(raw string, expected Kind) (Token, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Token{}, domain.Validation(domain.CodeMissingField, "scan a code first")
	}
	kind := Classify(raw)
	if kind != expected {
		return Token{}, formatError(kind, expected)
	}
	if kind == KindGuardianPass {
		raw = strings.ToLower(raw)
	}
	return Token{Kind: kind, Value: raw}, nil
}

func formatError(got, expected Kind) *domain.Error {
	reason := "this code is badly formed"
	switch {
	case got == KindStudentID && expected == KindGuardianPass:
		reason = "this is a student badge, scan the guardian's pass"
	case got == KindGuardianPass && expected == KindStudentID:
		reason = "this is a guardian pass, scan the student's badge"
	}
	return domain.Validation(domain.CodeInvalidFormat, reason)
}

// Resolution is what a guardian pass stands for.
type Resolution struct {
	Pass     domain.GuardianPass `json:"pass"`
	Student  domain.Student      `json:"student"`
	Guardian domain.Guardian     `json:"guardian"`
	Purpose  domain.Purpose      `json:"purpose"`
}

type Verifier struct {
	tx    repository.TxManager
	clock func() time.Time
}

func New(tx repository.TxManager, clock func() time.Time) *Verifier {
	if clock == nil {
		clock = time.Now
	}
	return &Verifier{tx: tx, clock: clock}
}

// ResolveGuardianPass validates token's shape, then looks up its pass.
func (v *Verifier) ResolveGuardianPass(ctx context.Context, token string) (Resolution, error) {
	tok, err := ClassifyAndValidate(token, KindGuardianPass)
	if err != nil {
		return Resolution{}, err
	}
	var res Resolution
	err = v.tx.WithTx(ctx, func(ctx context.Context, r repository.Repos) error {
		var err error
		res, err = v.ResolveGuardianPassIn(ctx, r, tok.Value)
		return err
	})
	return res, domain.Wrap(err)
}

// ResolveGuardianPassIn resolves an already-classified token inside a transaction.
func (v *Verifier) ResolveGuardianPassIn(ctx context.Context, r repository.Repos, token string) (Resolution, error) {
	p, err := r.Passes.Get(ctx, token)
	if err != nil {
		return Resolution{}, err
	}
	if p == nil {
		return Resolution{}, domain.NotFound(domain.CodeUnknownPass, "this code doesn't exist")
	}
	if p.Spent() {
		return Resolution{}, domain.State(domain.CodeAlreadyProcessed, "this pass was already used")
	}
	if p.Expired(v.clock()) {
		return Resolution{}, domain.State(domain.CodePassExpired, "this pass has expired")
	}

	student, err := r.Students.Get(ctx, p.StudentID)
	if err != nil {
		return Resolution{}, err
	}
	if student == nil {
		return Resolution{}, domain.NotFound(domain.CodeUnknownStudent, "the student on this pass no longer exists")
	}

	guardian := domain.Guardian{ID: p.GuardianID, DisplayName: p.GuardianName}
	if g, err := r.Guardians.Get(ctx, p.GuardianID); err != nil {
		return Resolution{}, err
	} else if g != nil {
		guardian = *g
	}
	if !student.HasGuardian(guardian.ID) {
		return Resolution{}, domain.Forbidden(domain.CodeNotLinked, "this guardian is no longer linked to the student")
	}
	return Resolution{Pass: *p, Student: *student, Guardian: guardian, Purpose: p.Purpose}, nil
}

// ResolveStudentID validates id's shape, then checks the student exists.
func (v *Verifier) ResolveStudentID(ctx context.Context, id string) (domain.Student, error) {
	tok, err := ClassifyAndValidate(id, KindStudentID)
	if err != nil {
		return domain.Student{}, err
	}
	var s domain.Student
	err = v.tx.WithTx(ctx, func(ctx context.Context, r repository.Repos) error {
		var err error
		s, err = ResolveStudentIDIn(ctx, r, tok.Value)
		return err
	})
	return s, domain.Wrap(err)
}

func ResolveStudentIDIn(ctx context.Context, r repository.Repos, id string) (domain.Student, error) {
	s, err := r.Students.Get(ctx, id)
	if err != nil {
		return domain.Student{}, err
	}
	if s == nil {
		return domain.Student{}, domain.NotFound(domain.CodeUnknownStudent, "unknown student")
	}
	return *s, nil
}
