package model

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestParseUrgency(t *testing.T) {
	cases := []struct {
		in      string
		want    Urgency
		wantErr bool
	}{
		{"", UrgencyMedium, false},
		{"low", UrgencyLow, false},
		{" HIGH ", UrgencyHigh, false},
		{"中", UrgencyMedium, false},
		{"高", UrgencyHigh, false},
		{"低", UrgencyLow, false},
		{"critical", "", true},
	}
	for _, tc := range cases {
		got, err := ParseUrgency(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("ParseUrgency(%q) = %q, %v", tc.in, got, err)
		}
	}
	if UrgencyHigh.Label() != "高" {
		t.Errorf("label = %q", UrgencyHigh.Label())
	}
}

func TestRoleOrdering(t *testing.T) {
	r, err := ParseRole(" Factory_Manager ")
	if err != nil || r != RoleFactoryManager {
		t.Fatalf("ParseRole = %v, %v", r, err)
	}
	if _, err := ParseRole("owner"); err == nil {
		t.Fatal("expected error for unknown role")
	}

	gm := Actor{UserID: uuid.New(), Role: RoleGeneralManager}
	if !gm.HasPermission(RoleSupervisor) || !gm.HasPermission(RoleGeneralManager) || gm.HasPermission(RoleSuperAdmin) {
		t.Fatal("general manager permissions out of order")
	}
	if (Actor{Role: Role(42)}).HasPermission(RoleUser) {
		t.Fatal("unknown role must not pass any check")
	}
	if (Actor{}).IDPtr() != nil {
		t.Fatal("nil user id should map to nil pointer")
	}

	var scanned Role
	if err := scanned.Scan("super_admin"); err != nil || scanned != RoleSuperAdmin {
		t.Fatalf("Scan = %v, %v", scanned, err)
	}
	if _, err := Role(0).Value(); err == nil {
		t.Fatal("zero role should not be stored")
	}
}

func TestBudgetRates(t *testing.T) {
	d := decimal.RequireFromString
	cases := []struct {
		name              string
		total, used, rate string
		warning, critical bool
	}{
		{"idle", "1000", "0", "0", false, false},
		{"warning", "10000", "8000", "0.8", true, false},
		{"critical", "100", "95", "0.95", true, true},
		{"zero total unused", "0", "0", "0", false, false},
		{"zero total used", "0", "5", "1", true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := &Budget{
				TotalAmount:       d(tc.total),
				UsedAmount:        d(tc.used),
				WarningThreshold:  d("80"),
				CriticalThreshold: d("95"),
			}
			if !b.UsageRate().Equal(d(tc.rate)) {
				t.Fatalf("rate = %s, want %s", b.UsageRate(), tc.rate)
			}
			if b.IsWarning() != tc.warning || b.IsCritical() != tc.critical {
				t.Fatalf("warning %t critical %t", b.IsWarning(), b.IsCritical())
			}
		})
	}

	for in, want := range map[string]bool{"10": true, "10.5": true, "10.25": true, "10.250": true, "10.255": false, "0.001": false} {
		if got := IsWholeCents(d(in)); got != want {
			t.Errorf("IsWholeCents(%s) = %t", in, got)
		}
	}

	b := &Budget{TotalAmount: d("1000"), UsedAmount: d("300"), ReservedAmount: d("200")}
	if !b.Available().Equal(d("500")) || !b.Committed().Equal(d("500")) {
		t.Fatalf("available %s committed %s", b.Available(), b.Committed())
	}
}

func TestComputeTotal(t *testing.T) {
	price := func(s string) *decimal.Decimal {
		v := decimal.RequireFromString(s)
		return &v
	}
	pr := &PurchaseRequest{Items: []PRItem{
		{Name: "bolt", Qty: decimal.NewFromInt(10), UnitPrice: price("1.25")},
		{Name: "nut", Qty: decimal.RequireFromString("2.5"), UnitPrice: price("4")},
	}}
	total, err := pr.ComputeTotal()
	if err != nil || !total.Equal(decimal.RequireFromString("22.5")) {
		t.Fatalf("total = %s, %v", total, err)
	}

	pr.Items = append(pr.Items, PRItem{Name: "washer", Qty: decimal.NewFromInt(1)})
	if _, err := pr.ComputeTotal(); err == nil {
		t.Fatal("expected error for unpriced line")
	}
}

func TestStatusPredicates(t *testing.T) {
	if !PRStatusPendingSuperAdmin.HoldsReservation() || PRStatusApproved.HoldsReservation() {
		t.Fatal("reservation holders wrong")
	}
	if !PRStatusRejected.Terminal() || PRStatusSubmitted.Terminal() {
		t.Fatal("terminal states wrong")
	}
	if !BudgetStatusExceeded.AcceptsUsage() || BudgetStatusApproved.AcceptsUsage() {
		t.Fatal("usage acceptance wrong")
	}
	if PRStatus("cancelled").Valid() || BudgetStatus("frozen").Valid() {
		t.Fatal("unknown statuses reported valid")
	}
}
