package services

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/pixelhealth/biasalert-backend/internal/logger"
	"github.com/pixelhealth/biasalert-backend/internal/repos"
	"github.com/pixelhealth/biasalert-backend/internal/serviceerr"
	"github.com/pixelhealth/biasalert-backend/internal/types"
)

type recordingNotifier struct {
	mu      sync.Mutex
	flags   []*types.CrisisSessionFlag
	results []*types.BiasAnalysisResult
}

func (r *recordingNotifier) NotifyCrisisFlag(_ context.Context, flag *types.CrisisSessionFlag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flags = append(r.flags, flag)
}

func (r *recordingNotifier) NotifyAnalysisResult(_ context.Context, result *types.BiasAnalysisResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
}

func (r *recordingNotifier) flagCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flags)
}

func newTestCrisisService(t *testing.T) (CrisisService, *gorm.DB, *recordingNotifier) {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger init: %v", err)
	}
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("raw db: %v", err)
	}
	// :memory: is per-connection; keep the pool at one.
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&types.CrisisSessionFlag{}, &types.UserSessionStatus{}, &types.AuditLog{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	flagRepo := repos.NewCrisisFlagRepo(db, log)
	statusRepo := repos.NewSessionStatusRepo(db, log)
	auditRepo := repos.NewAuditLogRepo(db, log)
	audit := NewAuditService(log, auditRepo)
	notifier := &recordingNotifier{}
	svc := NewCrisisService(db, log, flagRepo, statusRepo, audit, notifier)
	return svc, db, notifier
}

func validFlagRequest() FlagSessionRequest {
	return FlagSessionRequest{
		UserID:        "user-1",
		SessionID:     "session-1",
		CrisisID:      "crisis-1",
		Reason:        "automated risk detection",
		Severity:      "high",
		DetectedRisks: []string{"self_harm"},
		Confidence:    0.92,
	}
}

func TestFlagSessionForReview_Validation(t *testing.T) {
	svc, db, notifier := newTestCrisisService(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*FlagSessionRequest)
	}{
		{"missing user id", func(r *FlagSessionRequest) { r.UserID = "  " }},
		{"missing session id", func(r *FlagSessionRequest) { r.SessionID = "" }},
		{"missing crisis id", func(r *FlagSessionRequest) { r.CrisisID = "" }},
		{"unknown severity", func(r *FlagSessionRequest) { r.Severity = "catastrophic" }},
		{"confidence above one", func(r *FlagSessionRequest) { r.Confidence = 1.5 }},
		{"negative confidence", func(r *FlagSessionRequest) { r.Confidence = -0.1 }},
		{"nan confidence", func(r *FlagSessionRequest) { r.Confidence = math.NaN() }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validFlagRequest()
			tc.mutate(&req)
			if _, err := svc.FlagSessionForReview(ctx, req); !serviceerr.IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	var count int64
	if err := db.Model(&types.CrisisSessionFlag{}).Count(&count).Error; err != nil {
		t.Fatalf("count flags: %v", err)
	}
	if count != 0 {
		t.Fatalf("rejected requests wrote %d flags", count)
	}
	if notifier.flagCount() != 0 {
		t.Fatalf("rejected requests triggered %d notifications", notifier.flagCount())
	}
}

func TestFlagSessionForReview_CreatesPendingFlagAndStatus(t *testing.T) {
	svc, _, notifier := newTestCrisisService(t)
	ctx := context.Background()

	flag, err := svc.FlagSessionForReview(ctx, validFlagRequest())
	if err != nil {
		t.Fatalf("flag session: %v", err)
	}
	if flag.Status != types.FlagStatusPending {
		t.Fatalf("new flag status = %s, want pending", flag.Status)
	}
	if flag.Severity != types.SeverityHigh {
		t.Fatalf("flag severity = %s, want high", flag.Severity)
	}
	if flag.FlaggedAt.IsZero() {
		t.Fatal("flagged_at not set")
	}

	status, err := svc.GetUserSessionStatus(ctx, "user-1")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status == nil {
		t.Fatal("status missing after flagging")
	}
	if !status.IsFlaggedForReview {
		t.Fatal("user not flagged for review")
	}
	if status.CurrentRiskLevel != types.SeverityHigh {
		t.Fatalf("risk level = %s, want high", status.CurrentRiskLevel)
	}
	if status.TotalCrisisFlags != 1 || status.ActiveCrisisFlags != 1 || status.ResolvedCrisisFlags != 0 {
		t.Fatalf("aggregate = %d/%d/%d, want 1/1/0",
			status.TotalCrisisFlags, status.ActiveCrisisFlags, status.ResolvedCrisisFlags)
	}
	if status.LastCrisisEventAt == nil {
		t.Fatal("last crisis event not recorded")
	}
	if notifier.flagCount() != 1 {
		t.Fatalf("notifications = %d, want 1", notifier.flagCount())
	}
}

func TestGetUserSessionStatus_NeverFlagged(t *testing.T) {
	svc, _, _ := newTestCrisisService(t)

	status, err := svc.GetUserSessionStatus(context.Background(), "never-flagged")
	if err != nil {
		t.Fatalf("expected nil error for unknown user, got %v", err)
	}
	if status != nil {
		t.Fatalf("expected nil status for unknown user, got %+v", status)
	}
}

func TestGetPendingCrisisFlags_OldestFirst(t *testing.T) {
	svc, _, _ := newTestCrisisService(t)
	ctx := context.Background()

	ids := make([]string, 0, 3)
	for i, crisisID := range []string{"c-1", "c-2", "c-3"} {
		req := validFlagRequest()
		req.UserID = "user-fifo"
		req.CrisisID = crisisID
		flag, err := svc.FlagSessionForReview(ctx, req)
		if err != nil {
			t.Fatalf("flag %d: %v", i, err)
		}
		ids = append(ids, flag.ID.String())
		time.Sleep(5 * time.Millisecond)
	}

	pending, err := svc.GetPendingCrisisFlags(ctx, 0)
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending count = %d, want 3", len(pending))
	}
	for i, flag := range pending {
		if flag.ID.String() != ids[i] {
			t.Fatalf("pending[%d] = %s, want %s (oldest first)", i, flag.ID, ids[i])
		}
	}

	limited, err := svc.GetPendingCrisisFlags(ctx, 2)
	if err != nil {
		t.Fatalf("get pending limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limited count = %d, want 2", len(limited))
	}
	if limited[0].ID.String() != ids[0] {
		t.Fatalf("limit must keep the oldest, got %s", limited[0].ID)
	}
}

func TestUpdateFlagStatus_ReviewLifecycle(t *testing.T) {
	svc, _, _ := newTestCrisisService(t)
	ctx := context.Background()

	req := validFlagRequest()
	req.Severity = "critical"
	req.Confidence = 0.95
	flag, err := svc.FlagSessionForReview(ctx, req)
	if err != nil {
		t.Fatalf("flag session: %v", err)
	}

	reviewer := "reviewer-1"
	underReview, err := svc.UpdateFlagStatus(ctx, UpdateFlagStatusRequest{
		FlagID:     flag.ID.String(),
		Status:     "under_review",
		AssignedTo: &reviewer,
	})
	if err != nil {
		t.Fatalf("move to under_review: %v", err)
	}
	if underReview.Status != types.FlagStatusUnderReview {
		t.Fatalf("status = %s, want under_review", underReview.Status)
	}
	if underReview.AssignedTo != reviewer {
		t.Fatalf("assigned_to = %q, want %q", underReview.AssignedTo, reviewer)
	}
	if underReview.ReviewedAt != nil {
		t.Fatal("reviewed_at set before review completed")
	}

	notes := "handled by on-call clinician"
	resolved, err := svc.UpdateFlagStatus(ctx, UpdateFlagStatusRequest{
		FlagID:          flag.ID.String(),
		Status:          "resolved",
		ResolutionNotes: &notes,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != types.FlagStatusResolved {
		t.Fatalf("status = %s, want resolved", resolved.Status)
	}
	if resolved.ReviewedAt == nil || resolved.ResolvedAt == nil {
		t.Fatal("resolved flag missing reviewed_at/resolved_at")
	}
	if resolved.ResolutionNotes != notes {
		t.Fatalf("resolution notes = %q, want %q", resolved.ResolutionNotes, notes)
	}

	// Closed cases stay closed.
	if _, err := svc.UpdateFlagStatus(ctx, UpdateFlagStatusRequest{
		FlagID: flag.ID.String(),
		Status: "under_review",
	}); !serviceerr.IsConflict(err) {
		t.Fatalf("expected conflict reopening resolved flag, got %v", err)
	}
}

func TestUpdateFlagStatus_Errors(t *testing.T) {
	svc, _, _ := newTestCrisisService(t)
	ctx := context.Background()

	if _, err := svc.UpdateFlagStatus(ctx, UpdateFlagStatusRequest{
		FlagID: "not-a-uuid",
		Status: "resolved",
	}); !serviceerr.IsValidation(err) {
		t.Fatalf("expected validation error for bad id, got %v", err)
	}

	if _, err := svc.UpdateFlagStatus(ctx, UpdateFlagStatusRequest{
		FlagID: "8f8e8b9a-0c1d-4e2f-9a3b-4c5d6e7f8a9b",
		Status: "pending",
	}); !serviceerr.IsValidation(err) {
		t.Fatalf("expected validation error for pending target, got %v", err)
	}

	if _, err := svc.UpdateFlagStatus(ctx, UpdateFlagStatusRequest{
		FlagID: "8f8e8b9a-0c1d-4e2f-9a3b-4c5d6e7f8a9b",
		Status: "resolved",
	}); !serviceerr.IsNotFound(err) {
		t.Fatalf("expected not found for unknown flag, got %v", err)
	}
}

func TestUserStatusAggregate_ResolveAndDismiss(t *testing.T) {
	svc, _, _ := newTestCrisisService(t)
	ctx := context.Background()

	first, err := svc.FlagSessionForReview(ctx, validFlagRequest())
	if err != nil {
		t.Fatalf("first flag: %v", err)
	}
	secondReq := validFlagRequest()
	secondReq.CrisisID = "crisis-2"
	secondReq.Severity = "critical"
	second, err := svc.FlagSessionForReview(ctx, secondReq)
	if err != nil {
		t.Fatalf("second flag: %v", err)
	}

	status, err := svc.GetUserSessionStatus(ctx, "user-1")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.CurrentRiskLevel != types.SeverityCritical {
		t.Fatalf("risk level = %s, want critical (max of active)", status.CurrentRiskLevel)
	}

	if _, err := svc.UpdateFlagStatus(ctx, UpdateFlagStatusRequest{
		FlagID: second.ID.String(),
		Status: "resolved",
	}); err != nil {
		t.Fatalf("resolve second: %v", err)
	}
	status, _ = svc.GetUserSessionStatus(ctx, "user-1")
	if status.TotalCrisisFlags != 2 || status.ActiveCrisisFlags != 1 || status.ResolvedCrisisFlags != 1 {
		t.Fatalf("aggregate = %d/%d/%d, want 2/1/1",
			status.TotalCrisisFlags, status.ActiveCrisisFlags, status.ResolvedCrisisFlags)
	}
	if !status.IsFlaggedForReview {
		t.Fatal("user must stay flagged while a flag is active")
	}
	if status.CurrentRiskLevel != types.SeverityHigh {
		t.Fatalf("risk level = %s, want high after critical flag closed", status.CurrentRiskLevel)
	}

	// Dismissal counts into the resolved bucket.
	if _, err := svc.UpdateFlagStatus(ctx, UpdateFlagStatusRequest{
		FlagID: first.ID.String(),
		Status: "dismissed",
	}); err != nil {
		t.Fatalf("dismiss first: %v", err)
	}
	status, _ = svc.GetUserSessionStatus(ctx, "user-1")
	if status.TotalCrisisFlags != 2 || status.ActiveCrisisFlags != 0 || status.ResolvedCrisisFlags != 2 {
		t.Fatalf("aggregate = %d/%d/%d, want 2/0/2",
			status.TotalCrisisFlags, status.ActiveCrisisFlags, status.ResolvedCrisisFlags)
	}
	if status.IsFlaggedForReview {
		t.Fatal("user still flagged with no active flags")
	}
	if status.CurrentRiskLevel != types.SeverityHigh {
		t.Fatalf("risk level = %s, want last known level retained", status.CurrentRiskLevel)
	}
}

func TestGetUserCrisisFlags_FiltersClosedAndOrdersNewestFirst(t *testing.T) {
	svc, _, _ := newTestCrisisService(t)
	ctx := context.Background()

	var flags []*types.CrisisSessionFlag
	for _, crisisID := range []string{"c-1", "c-2", "c-3"} {
		req := validFlagRequest()
		req.CrisisID = crisisID
		flag, err := svc.FlagSessionForReview(ctx, req)
		if err != nil {
			t.Fatalf("flag %s: %v", crisisID, err)
		}
		flags = append(flags, flag)
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := svc.UpdateFlagStatus(ctx, UpdateFlagStatusRequest{
		FlagID: flags[0].ID.String(),
		Status: "resolved",
	}); err != nil {
		t.Fatalf("resolve oldest: %v", err)
	}

	open, err := svc.GetUserCrisisFlags(ctx, "user-1", false)
	if err != nil {
		t.Fatalf("get open flags: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("open flags = %d, want 2", len(open))
	}
	if open[0].ID != flags[2].ID || open[1].ID != flags[1].ID {
		t.Fatal("open flags not ordered newest first")
	}

	all, err := svc.GetUserCrisisFlags(ctx, "user-1", true)
	if err != nil {
		t.Fatalf("get all flags: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all flags = %d, want 3", len(all))
	}
}

func TestUpdateFlagStatus_ConcurrentSingleWinner(t *testing.T) {
	svc, _, _ := newTestCrisisService(t)
	ctx := context.Background()

	flag, err := svc.FlagSessionForReview(ctx, validFlagRequest())
	if err != nil {
		t.Fatalf("flag session: %v", err)
	}

	statuses := []string{"resolved", "dismissed"}
	errs := make([]error, len(statuses))
	var wg sync.WaitGroup
	for i, target := range statuses {
		wg.Add(1)
		go func(i int, target string) {
			defer wg.Done()
			_, errs[i] = svc.UpdateFlagStatus(ctx, UpdateFlagStatusRequest{
				FlagID: flag.ID.String(),
				Status: target,
			})
		}(i, target)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case serviceerr.IsConflict(err):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("wins=%d conflicts=%d, want exactly one of each", wins, conflicts)
	}

	status, err := svc.GetUserSessionStatus(ctx, "user-1")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.TotalCrisisFlags != 1 || status.ActiveCrisisFlags != 0 || status.ResolvedCrisisFlags != 1 {
		t.Fatalf("aggregate = %d/%d/%d, want 1/0/1",
			status.TotalCrisisFlags, status.ActiveCrisisFlags, status.ResolvedCrisisFlags)
	}
}
