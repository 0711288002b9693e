package ingestion

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/medledger/internal/domain"
	"github.com/rpattn/medledger/internal/logger"
	"github.com/rpattn/medledger/internal/repository"
	"github.com/rpattn/medledger/internal/store/sqlite"
	"github.com/rpattn/medledger/internal/uow"
)

func newService(t *testing.T) (*Service, repository.DomainUserRepository) {
	t.Helper()
	backend, err := sqlite.OpenMemory(context.Background())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	users := repository.NewDomainUserRepository(uow.NewManager(backend))
	return NewService(users, logger.Nop()), users
}

func importAction() domain.ActionContext {
	return domain.NewActionContext(uuid.New(), uuid.New(), time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC), nil)
}

func TestIngestCSVRoster(t *testing.T) {
	svc, users := newService(t)
	ctx := context.Background()

	if _, err := users.Create(ctx, importAction(), domain.DomainUser{AccountName: "pharm1", DomainName: "hosp", Active: true}); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	roster := "\ufeffAccount Name,Domain-Name,First Name,Last Name,Email,Active\n" +
		"nurse1,hosp,Ann,Lee,Ann.Lee@Hosp.example,yes\n" +
		",hosp,No,Account,,\n" +
		"tech1,hosp,Tom,Ray,,maybe\n" +
		"nurse1,hosp,Ann,Lee-Smith,ann.lee@hosp.example,1\n" +
		"pharm1,hosp,,,,\n"

	summary, err := svc.Ingest(ctx, Request{FileName: "roster.csv", Data: strings.NewReader(roster), Action: importAction()})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if summary.TotalRows != 5 || summary.Created != 1 || summary.Updated != 1 || summary.Unchanged != 1 || summary.InvalidRows != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if len(summary.Errors) != 2 || summary.Errors[0].Row != 3 || summary.Errors[1].Row != 4 {
		t.Fatalf("expected errors on rows 3 and 4, got %+v", summary.Errors)
	}

	listed, err := users.List(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	var nurse domain.DomainUser
	for _, u := range listed {
		if u.AccountName == "nurse1" {
			nurse = u
		}
	}
	if len(listed) != 2 || nurse.LastName != "Lee-Smith" || nurse.Email != "ann.lee@hosp.example" {
		t.Fatalf("expected revised nurse among 2 users, got %+v", listed)
	}
}

func TestIngestExcelRoster(t *testing.T) {
	svc, users := newService(t)

	f := excelize.NewFile()
	rows := [][]any{
		{"account_name", "domain_name", "active"},
		{"nurse2", "hosp", "true"},
		{"tech2", "hosp", "false"},
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow("Sheet1", cell, &row); err != nil {
			t.Fatalf("write row: %v", err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("write workbook: %v", err)
	}

	summary, err := svc.Ingest(context.Background(), Request{FileName: "roster.xlsx", Data: buf, Action: importAction()})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if summary.Created != 2 || summary.InvalidRows != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	listed, err := users.List(context.Background())
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	for _, u := range listed {
		if u.AccountName == "tech2" && u.Active {
			t.Fatalf("expected tech2 to be inactive")
		}
	}
}

func TestIngestRejectsBadInput(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, Request{FileName: "roster.txt", Data: strings.NewReader("a"), Action: importAction()})
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected unsupported format, got %v", err)
	}

	_, err = svc.Ingest(ctx, Request{FileName: "roster.csv", Data: strings.NewReader("name\nx\n"), Action: importAction()})
	if err == nil || !strings.Contains(err.Error(), "account_name") {
		t.Fatalf("expected missing column error, got %v", err)
	}

	_, err = svc.Ingest(ctx, Request{FileName: "roster.csv", Data: strings.NewReader("account_name\nx\n")})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected missing action to be a validation error, got %v", err)
	}
}

func TestSanitizeHeaders(t *testing.T) {
	got := sanitizeHeaders([]string{" Account Name ", "e.mail", "", "email", "E-Mail"})
	want := []string{"account_name", "e_mail", "column_3", "email", "e_mail_2"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
