package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"schoolgate/internal/domain"
)

// Memory is an in-process backend for local runs and tests. Transactions are
// serialized: each WithTx works on a copy of the tables and swaps it in only
// when fn succeeds.
type Memory struct {
	mutex sync.Mutex
	db    *memDB
}

type queueKey struct {
	studentID string
	date      string
	mode      domain.ClassMode
}

type memDB struct {
	students      map[string]domain.Student
	guardians     map[string]domain.Guardian
	classes       map[string]domain.ClassRoster
	sheets        map[string]domain.AttendanceSheet
	queue         map[queueKey]domain.QueueEntry
	passes        map[string]domain.GuardianPass
	transfers     map[string]domain.Transfer
	notifications []domain.Notification
	reads         map[string]map[string]bool
}

func NewMemory() *Memory {
	return &Memory{db: &memDB{
		students:  map[string]domain.Student{},
		guardians: map[string]domain.Guardian{},
		classes:   map[string]domain.ClassRoster{},
		sheets:    map[string]domain.AttendanceSheet{},
		queue:     map[queueKey]domain.QueueEntry{},
		passes:    map[string]domain.GuardianPass{},
		transfers: map[string]domain.Transfer{},
		reads:     map[string]map[string]bool{},
	}}
}

func (m *Memory) WithTx(ctx context.Context, fn func(ctx context.Context, repos Repos) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()

	work := m.db.clone()
	if err := fn(ctx, work.repos()); err != nil {
		return err
	}
	m.db = work
	return nil
}

// PutStudent adds or replaces a student. The student's class must be put separately.
func (m *Memory) PutStudent(s domain.Student) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	s.GuardianIDs = append([]string(nil), s.GuardianIDs...)
	m.db.students[s.ID] = s
}

func (m *Memory) PutGuardian(g domain.Guardian) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db.guardians[g.ID] = g
}

// PutClass adds or replaces a class. StudentIDs is ignored; membership
// follows each student's ClassID.
func (m *Memory) PutClass(c domain.ClassRoster) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if c.Mode == "" {
		c.Mode = domain.ModeClass
	}
	c.StaffIDs = append([]string(nil), c.StaffIDs...)
	c.StudentIDs = nil
	m.db.classes[c.ID] = c
}

func (db *memDB) clone() *memDB {
	out := &memDB{
		students:      make(map[string]domain.Student, len(db.students)),
		guardians:     make(map[string]domain.Guardian, len(db.guardians)),
		classes:       make(map[string]domain.ClassRoster, len(db.classes)),
		sheets:        make(map[string]domain.AttendanceSheet, len(db.sheets)),
		queue:         make(map[queueKey]domain.QueueEntry, len(db.queue)),
		passes:        make(map[string]domain.GuardianPass, len(db.passes)),
		transfers:     make(map[string]domain.Transfer, len(db.transfers)),
		notifications: append([]domain.Notification(nil), db.notifications...),
		reads:         make(map[string]map[string]bool, len(db.reads)),
	}
	for k, v := range db.students {
		out.students[k] = v
	}
	for k, v := range db.guardians {
		out.guardians[k] = v
	}
	for k, v := range db.classes {
		out.classes[k] = v
	}
	for k, v := range db.sheets {
		v.Records = append([]domain.AttendanceRecord(nil), v.Records...)
		out.sheets[k] = v
	}
	for k, v := range db.queue {
		out.queue[k] = v
	}
	for k, v := range db.passes {
		out.passes[k] = v
	}
	for k, v := range db.transfers {
		out.transfers[k] = v
	}
	for k, users := range db.reads {
		cp := make(map[string]bool, len(users))
		for u := range users {
			cp[u] = true
		}
		out.reads[k] = cp
	}
	return out
}

func (db *memDB) repos() Repos {
	return Repos{
		Students:      memStudents{db},
		Guardians:     memGuardians{db},
		Classes:       memClasses{db},
		Sheets:        memSheets{db},
		Queue:         memQueue{db},
		Passes:        memPasses{db},
		Transfers:     memTransfers{db},
		Notifications: memNotifications{db},
	}
}

type memStudents struct{ db *memDB }

func (r memStudents) Get(_ context.Context, id string) (*domain.Student, error) {
	s, ok := r.db.students[id]
	if !ok {
		return nil, nil
	}
	s.GuardianIDs = append([]string(nil), s.GuardianIDs...)
	sort.Strings(s.GuardianIDs)
	return &s, nil
}

type memGuardians struct{ db *memDB }

func (r memGuardians) Get(_ context.Context, id string) (*domain.Guardian, error) {
	g, ok := r.db.guardians[id]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

type memClasses struct{ db *memDB }

func (r memClasses) Get(_ context.Context, id string) (*domain.ClassRoster, error) {
	c, ok := r.db.classes[id]
	if !ok {
		return nil, nil
	}
	c = r.fill(c)
	return &c, nil
}

func (r memClasses) List(_ context.Context) ([]domain.ClassRoster, error) {
	out := make([]domain.ClassRoster, 0, len(r.db.classes))
	for _, c := range r.db.classes {
		out = append(out, r.fill(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r memClasses) SetMode(_ context.Context, id string, mode domain.ClassMode) (bool, error) {
	c, ok := r.db.classes[id]
	if !ok {
		return false, nil
	}
	c.Mode = mode
	r.db.classes[id] = c
	return true, nil
}

func (r memClasses) fill(c domain.ClassRoster) domain.ClassRoster {
	c.StaffIDs = append([]string(nil), c.StaffIDs...)
	sort.Strings(c.StaffIDs)
	c.StudentIDs = nil
	for _, s := range r.db.students {
		if s.ClassID == c.ID {
			c.StudentIDs = append(c.StudentIDs, s.ID)
		}
	}
	sort.Strings(c.StudentIDs)
	return c
}

type memSheets struct{ db *memDB }

func (r memSheets) find(classID, date string) (domain.AttendanceSheet, bool) {
	for _, s := range r.db.sheets {
		if s.ClassID == classID && s.Date == date {
			return s, true
		}
	}
	return domain.AttendanceSheet{}, false
}

func (r memSheets) GetByClassDate(_ context.Context, classID, date string) (*domain.AttendanceSheet, error) {
	s, ok := r.find(classID, date)
	if !ok {
		return nil, nil
	}
	s.Records = append([]domain.AttendanceRecord(nil), s.Records...)
	sort.Slice(s.Records, func(i, j int) bool { return s.Records[i].StudentID < s.Records[j].StudentID })
	return &s, nil
}

func (r memSheets) Create(_ context.Context, sheet domain.AttendanceSheet) error {
	if _, ok := r.find(sheet.ClassID, sheet.Date); ok {
		return ErrConflict
	}
	if _, ok := r.db.sheets[sheet.ID]; ok {
		return ErrConflict
	}
	records := make([]domain.AttendanceRecord, 0, len(sheet.Records))
	seen := map[string]bool{}
	for _, rec := range sheet.Records {
		if seen[rec.StudentID] {
			continue
		}
		seen[rec.StudentID] = true
		rec.SheetID, rec.ClassID, rec.Date = sheet.ID, sheet.ClassID, sheet.Date
		records = append(records, rec)
	}
	sheet.Records = records
	r.db.sheets[sheet.ID] = sheet
	return nil
}

func (r memSheets) FindRecord(_ context.Context, studentID, date string) (*domain.AttendanceRecord, error) {
	var found *domain.AttendanceRecord
	for _, s := range r.db.sheets {
		if s.Date != date {
			continue
		}
		if rec := s.Record(studentID); rec != nil {
			if found == nil || rec.UpdatedAt.After(found.UpdatedAt) {
				cp := *rec
				found = &cp
			}
		}
	}
	return found, nil
}

// upsertRecord returns the record for studentID on sheetID, appending an
// absent one if needed. The returned pointer is valid until the next append.
func (r memSheets) upsertRecord(sheetID, studentID string) (*domain.AttendanceRecord, error) {
	s, ok := r.db.sheets[sheetID]
	if !ok {
		return nil, ErrConflict
	}
	if rec := s.Record(studentID); rec != nil {
		return rec, nil
	}
	s.Records = append(s.Records, domain.AttendanceRecord{
		SheetID:   s.ID,
		ClassID:   s.ClassID,
		Date:      s.Date,
		StudentID: studentID,
		Status:    domain.StatusAbsent,
	})
	r.db.sheets[sheetID] = s
	return &s.Records[len(s.Records)-1], nil
}

func (r memSheets) WriteArrival(_ context.Context, w ArrivalWrite) (domain.AttendanceRecord, error) {
	rec, err := r.upsertRecord(w.SheetID, w.StudentID)
	if err != nil {
		return domain.AttendanceRecord{}, err
	}
	rec.Status = w.Status
	rec.ArrivalTime = w.ArrivalTime
	rec.PendingApproval = rec.PendingApproval || w.PendingApproval
	rec.UpdatedAt = w.At
	return *rec, nil
}

func (r memSheets) WriteDismissal(_ context.Context, w DismissalWrite) (domain.AttendanceRecord, error) {
	rec, err := r.upsertRecord(w.SheetID, w.StudentID)
	if err != nil {
		return domain.AttendanceRecord{}, err
	}
	at := w.DismissalTime
	rec.DismissalTime = &at
	rec.AuthorizedPickupPerson = w.AuthorizedPerson
	rec.PendingApproval = rec.PendingApproval || w.PendingApproval
	rec.UpdatedAt = w.At
	return *rec, nil
}

func (r memSheets) ClearPendingApproval(_ context.Context, studentID, date string) error {
	for id, s := range r.db.sheets {
		if s.Date != date {
			continue
		}
		if rec := s.Record(studentID); rec != nil {
			rec.PendingApproval = false
			r.db.sheets[id] = s
		}
	}
	return nil
}

type memQueue struct{ db *memDB }

func (r memQueue) Get(_ context.Context, studentID, date string, mode domain.ClassMode) (*domain.QueueEntry, error) {
	e, ok := r.db.queue[queueKey{studentID, date, mode}]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (r memQueue) Upsert(_ context.Context, e domain.QueueEntry) (domain.QueueEntry, bool, error) {
	key := queueKey{e.StudentID, e.Date, e.Mode}
	cur, ok := r.db.queue[key]
	if ok && cur.Status == domain.QueueCompleted {
		return domain.QueueEntry{}, false, ErrConflict
	}
	if ok {
		e.ID = cur.ID
		e.PendingApproval = cur.PendingApproval
	} else {
		e.PendingApproval = false
	}
	r.db.queue[key] = e
	return e, !ok, nil
}

func (r memQueue) Complete(_ context.Context, e domain.QueueEntry) (domain.QueueEntry, error) {
	key := queueKey{e.StudentID, e.Date, e.Mode}
	cur, ok := r.db.queue[key]
	if ok && cur.Status == domain.QueueCompleted {
		return domain.QueueEntry{}, ErrConflict
	}
	if ok {
		cur.Status = domain.QueueCompleted
		cur.PendingApproval = cur.PendingApproval || e.PendingApproval
		cur.UpdatedAt = e.UpdatedAt
		e = cur
	} else {
		e.Status = domain.QueueCompleted
	}
	r.db.queue[key] = e
	return e, nil
}

func (r memQueue) ListActive(_ context.Context, classID, date string, mode domain.ClassMode) ([]domain.QueueEntry, error) {
	out := []domain.QueueEntry{}
	for _, e := range r.db.queue {
		if e.ClassID == classID && e.Date == date && e.Mode == mode && e.Status != domain.QueueCompleted {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

func (r memQueue) DeleteOpen(_ context.Context, studentID, date string) ([]domain.QueueEntry, error) {
	var removed []domain.QueueEntry
	for key, e := range r.db.queue {
		if key.studentID == studentID && key.date == date && e.Status != domain.QueueCompleted {
			removed = append(removed, e)
			delete(r.db.queue, key)
		}
	}
	sortEntries(removed)
	return removed, nil
}

func (r memQueue) ClearPendingApproval(_ context.Context, studentID, date string, mode domain.ClassMode) error {
	key := queueKey{studentID, date, mode}
	if e, ok := r.db.queue[key]; ok {
		e.PendingApproval = false
		r.db.queue[key] = e
	}
	return nil
}

func sortEntries(entries []domain.QueueEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].UpdatedAt.Equal(entries[j].UpdatedAt) {
			return entries[i].UpdatedAt.Before(entries[j].UpdatedAt)
		}
		return entries[i].ID < entries[j].ID
	})
}

type memPasses struct{ db *memDB }

func (r memPasses) Create(_ context.Context, p domain.GuardianPass) error {
	if _, ok := r.db.passes[p.Token]; ok {
		return ErrConflict
	}
	r.db.passes[p.Token] = p
	return nil
}

func (r memPasses) Get(_ context.Context, token string) (*domain.GuardianPass, error) {
	p, ok := r.db.passes[token]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (r memPasses) MarkUsed(_ context.Context, token string, at time.Time) error {
	p, ok := r.db.passes[token]
	if !ok || p.Spent() {
		return ErrConflict
	}
	p.UsedAt = &at
	r.db.passes[token] = p
	return nil
}

func (r memPasses) PurgeExpired(_ context.Context, before time.Time) (int64, error) {
	var n int64
	for token, p := range r.db.passes {
		if p.ExpiresAt.Before(before) {
			delete(r.db.passes, token)
			n++
		}
	}
	return n, nil
}

type memTransfers struct{ db *memDB }

func (r memTransfers) Create(_ context.Context, t domain.Transfer) error {
	if _, ok := r.db.transfers[t.ID]; ok {
		return ErrConflict
	}
	if t.PassToken != "" {
		for _, other := range r.db.transfers {
			if other.PassToken == t.PassToken {
				return ErrConflict
			}
		}
	}
	r.db.transfers[t.ID] = t
	return nil
}

func (r memTransfers) Get(_ context.Context, id string) (*domain.Transfer, error) {
	t, ok := r.db.transfers[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (r memTransfers) GetByPass(_ context.Context, token string) (*domain.Transfer, error) {
	for _, t := range r.db.transfers {
		if token != "" && t.PassToken == token {
			return &t, nil
		}
	}
	return nil, nil
}

func (r memTransfers) Decide(_ context.Context, t domain.Transfer) error {
	cur, ok := r.db.transfers[t.ID]
	if !ok || cur.State != domain.TransferPending {
		return ErrConflict
	}
	cur.State = t.State
	cur.Approval = t.Approval
	cur.DecidedBy = t.DecidedBy
	cur.DecidedAt = t.DecidedAt
	cur.Reason = t.Reason
	r.db.transfers[t.ID] = cur
	return nil
}

func (r memTransfers) Approve(_ context.Context, id, adminID string, at time.Time) error {
	cur, ok := r.db.transfers[id]
	if !ok || cur.Approval != domain.ApprovalAwaiting {
		return ErrConflict
	}
	cur.Approval = domain.ApprovalApproved
	cur.ApprovedBy = adminID
	cur.ApprovedAt = &at
	r.db.transfers[id] = cur
	return nil
}

func (r memTransfers) ListAwaitingApproval(_ context.Context) ([]domain.Transfer, error) {
	out := []domain.Transfer{}
	for _, t := range r.db.transfers {
		if t.Approval == domain.ApprovalAwaiting {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type memNotifications struct{ db *memDB }

func (r memNotifications) Insert(_ context.Context, n domain.Notification) error {
	n.Read = false
	r.db.notifications = append(r.db.notifications, n)
	return nil
}

func (r memNotifications) ListFor(_ context.Context, actor domain.Actor, limit int) ([]domain.Notification, error) {
	out := []domain.Notification{}
	staffs := r.staffs(actor)
	for i := len(r.db.notifications) - 1; i >= 0; i-- {
		n := r.db.notifications[i]
		if !n.VisibleTo(actor, staffs) {
			continue
		}
		n.Read = r.db.reads[n.ID][actor.UserID]
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memNotifications) MarkRead(_ context.Context, actor domain.Actor, id string) (bool, error) {
	for _, n := range r.db.notifications {
		if n.ID == id && n.VisibleTo(actor, r.staffs(actor)) {
			r.markRead(n.ID, actor.UserID)
			return true, nil
		}
	}
	return false, nil
}

func (r memNotifications) MarkAllRead(_ context.Context, actor domain.Actor) (int64, error) {
	var n int64
	staffs := r.staffs(actor)
	for _, notif := range r.db.notifications {
		if notif.VisibleTo(actor, staffs) && r.markRead(notif.ID, actor.UserID) {
			n++
		}
	}
	return n, nil
}

func (r memNotifications) staffs(actor domain.Actor) func(string) bool {
	return func(classID string) bool {
		c, ok := r.db.classes[classID]
		return ok && c.HasStaff(actor.UserID)
	}
}

func (r memNotifications) markRead(id, userID string) bool {
	users, ok := r.db.reads[id]
	if !ok {
		users = map[string]bool{}
		r.db.reads[id] = users
	}
	if users[userID] {
		return false
	}
	users[userID] = true
	return true
}
