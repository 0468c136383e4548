package engine

import (
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/towerconf/pkg/tower"
)

func newTestPlanner() *Planner {
	return NewPlanner(zerolog.Nop())
}

func loginInventory() *Inventory {
	return &Inventory{
		User: "alice",
		ComputeEnvs: []tower.ComputeEnv{
			{ID: "ce1", Name: "loginauto", Primary: true},
		},
		Credentials: []tower.Credential{
			{ID: "cred1", Name: "loginauto", Provider: tower.ProviderSSH},
		},
		Pipelines: []tower.Pipeline{
			pipeline(10, "rnaseq_loginauto", label(1, "rna-seq")),
		},
		Labels: []tower.Label{label(1, "rna-seq")},
		Catalog: catalogOf(
			workflow("nf-core/rnaseq", "rna-seq"),
			workflow("nf-core/sarek", "variant-calling", "germline", "rna-seq"),
			workflow("nf-core/atacseq", "atac-seq"),
		),
	}
}

func loginIntent(pipelines ...string) Intent {
	if pipelines == nil {
		pipelines = []string{}
	}
	return Intent{
		ComputeName:    "loginauto",
		CredentialName: "loginauto",
		Pipelines:      pipelines,
		Suffix:         "_loginauto",
	}
}

func fullNames(changes []PipelineChange) []string {
	out := []string{}
	for _, c := range changes {
		out = append(out, c.FullName)
	}
	return out
}

func refNames(refs []PipelineRef) []string {
	out := []string{}
	for _, r := range refs {
		out = append(out, r.FullName)
	}
	return out
}

func labelNames(refs []LabelRef) []string {
	out := []string{}
	for _, r := range refs {
		out = append(out, r.Name)
	}
	return out
}

func TestSplitSpec(t *testing.T) {
	tests := []struct {
		spec     string
		name     string
		revision string
	}{
		{"nf-core/rnaseq", "nf-core/rnaseq", ""},
		{"nf-core/rnaseq@3.14.0", "nf-core/rnaseq", "3.14.0"},
		{"nf-core/rnaseq@dev@x", "nf-core/rnaseq", "dev@x"},
		{"nf-core/rnaseq@", "nf-core/rnaseq", ""},
	}

	for _, tt := range tests {
		name, revision := SplitSpec(tt.spec)
		if name != tt.name || revision != tt.revision {
			t.Errorf("SplitSpec(%q) = %q, %q; want %q, %q", tt.spec, name, revision, tt.name, tt.revision)
		}
	}
}

func TestManagedFullName(t *testing.T) {
	tests := []struct {
		name   string
		suffix string
		want   string
	}{
		{"rnaseq_loginauto", "_loginauto", "nf-core/rnaseq"},
		{"rnaseq_other", "_loginauto", ""},
		{"rnaseq", "", ""},
		{"_loginauto", "_loginauto", "nf-core/"},
	}

	for _, tt := range tests {
		if got := ManagedFullName(tt.name, tt.suffix); got != tt.want {
			t.Errorf("ManagedFullName(%q, %q) = %q, want %q", tt.name, tt.suffix, got, tt.want)
		}
	}
}

func TestPlanner_ExistingSetupAddsOnlyMissing(t *testing.T) {
	plan, err := newTestPlanner().Plan(loginInventory(), loginIntent("nf-core/rnaseq", "nf-core/sarek"))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	if got := fullNames(plan.PipelinesToAdd); !reflect.DeepEqual(got, []string{"nf-core/sarek"}) {
		t.Errorf("to add = %v", got)
	}
	if plan.PipelinesToAdd[0].ExistingID != "" {
		t.Errorf("sarek should be created, got existing id %q", plan.PipelinesToAdd[0].ExistingID)
	}
	if len(plan.PipelinesToRemove) != 0 {
		t.Errorf("to remove = %v", refNames(plan.PipelinesToRemove))
	}
	if !reflect.DeepEqual(plan.PipelinesUnchanged, []string{"nf-core/rnaseq"}) {
		t.Errorf("unchanged = %v", plan.PipelinesUnchanged)
	}
	if !reflect.DeepEqual(plan.LabelsToAdd, []string{"germline", "variant-calling"}) {
		t.Errorf("labels to add = %v", plan.LabelsToAdd)
	}
	if len(plan.LabelsToRemove) != 0 {
		t.Errorf("labels to remove = %v", labelNames(plan.LabelsToRemove))
	}

	if plan.ComputeID != "ce1" || plan.CredentialID != "cred1" || plan.ComputePrimaryID != "ce1" {
		t.Errorf("ids not reused: compute=%q credential=%q primary=%q", plan.ComputeID, plan.CredentialID, plan.ComputePrimaryID)
	}
	if plan.NeedsIdentity() || plan.NeedsCredential() || plan.NeedsPrimary() {
		t.Error("existing identity should be left untouched")
	}
	if plan.PipelineNameToID["nf-core/rnaseq"] != "10" {
		t.Errorf("pipeline_name_to_id = %v", plan.PipelineNameToID)
	}
	if plan.LabelNameToID["rna-seq"] != "1" {
		t.Errorf("label_name_to_id = %v", plan.LabelNameToID)
	}
}

func TestPlanner_SetDifference(t *testing.T) {
	inv := loginInventory()
	inv.Pipelines = []tower.Pipeline{
		pipeline(10, "rnaseq_loginauto"),
		pipeline(11, "atacseq_loginauto"),
		pipeline(12, "sarek_otherhost"),
		pipeline(13, "unrelated"),
	}

	plan, err := newTestPlanner().Plan(inv, loginIntent("nf-core/rnaseq", "nf-core/sarek"))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	if got := fullNames(plan.PipelinesToAdd); !reflect.DeepEqual(got, []string{"nf-core/sarek"}) {
		t.Errorf("to add = %v", got)
	}
	if got := refNames(plan.PipelinesToRemove); !reflect.DeepEqual(got, []string{"nf-core/atacseq"}) {
		t.Errorf("to remove = %v", got)
	}
	if plan.PipelinesToRemove[0].ID != "11" || plan.PipelinesToRemove[0].Name != "atacseq_loginauto" {
		t.Errorf("remove ref = %+v", plan.PipelinesToRemove[0])
	}
	if !reflect.DeepEqual(plan.PipelinesUnchanged, []string{"nf-core/rnaseq"}) {
		t.Errorf("unchanged = %v", plan.PipelinesUnchanged)
	}
}

func TestPlanner_ForceResubmitsEverything(t *testing.T) {
	intent := loginIntent("nf-core/rnaseq", "nf-core/sarek@3.4.0")
	intent.Force = true

	plan, err := newTestPlanner().Plan(loginInventory(), intent)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	if got := fullNames(plan.PipelinesToAdd); !reflect.DeepEqual(got, []string{"nf-core/rnaseq", "nf-core/sarek"}) {
		t.Fatalf("to add = %v", got)
	}
	rnaseq, sarek := plan.PipelinesToAdd[0], plan.PipelinesToAdd[1]
	if rnaseq.ExistingID != "10" || rnaseq.Operation() != OperationUpdate {
		t.Errorf("rnaseq should be updated in place, got %+v", rnaseq)
	}
	if sarek.ExistingID != "" || sarek.Operation() != OperationCreate {
		t.Errorf("sarek should be created, got %+v", sarek)
	}
	if sarek.Revision != "3.4.0" {
		t.Errorf("revision = %q", sarek.Revision)
	}
	if len(plan.PipelinesUnchanged) != 0 {
		t.Errorf("unchanged = %v", plan.PipelinesUnchanged)
	}
	if !plan.NeedsIdentity() || !plan.NeedsCredential() {
		t.Error("force should re-submit identity")
	}
	if plan.NeedsPrimary() {
		t.Error("compute already primary")
	}
}

func TestPlanner_NullPipelinesSkipsManagement(t *testing.T) {
	inv := loginInventory()
	inv.Catalog = nil

	intent := loginIntent()
	intent.Pipelines = nil

	plan, err := newTestPlanner().Plan(inv, intent)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	if plan.ManagePipelines {
		t.Error("pipeline management should be skipped")
	}
	if len(plan.PipelinesToAdd)+len(plan.PipelinesToRemove)+len(plan.LabelsToAdd)+len(plan.LabelsToRemove) != 0 {
		t.Errorf("expected no pipeline or label operations, got %+v", plan)
	}
	if plan.PipelinesToAdd == nil || plan.LabelsToRemove == nil || plan.PipelineNameToID == nil {
		t.Error("collections should be empty, not nil")
	}
}

func TestPlanner_EmptyPipelinesRemovesAllManaged(t *testing.T) {
	plan, err := newTestPlanner().Plan(loginInventory(), loginIntent())
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	if got := refNames(plan.PipelinesToRemove); !reflect.DeepEqual(got, []string{"nf-core/rnaseq"}) {
		t.Errorf("to remove = %v", got)
	}
	if got := labelNames(plan.LabelsToRemove); !reflect.DeepEqual(got, []string{"rna-seq"}) {
		t.Errorf("labels to remove = %v", got)
	}
	if plan.LabelsToRemove[0].ID != "1" {
		t.Errorf("label id = %q", plan.LabelsToRemove[0].ID)
	}
}

func TestPlanner_LabelReferenceCounting(t *testing.T) {
	shared := label(1, "shared")
	orphan := label(2, "orphan")
	foreign := label(3, "foreign")
	wanted := label(4, "atac-seq")

	inv := loginInventory()
	inv.Labels = []tower.Label{shared, orphan, foreign, wanted}
	inv.Pipelines = []tower.Pipeline{
		pipeline(10, "rnaseq_loginauto", shared, orphan, wanted),
		pipeline(11, "atacseq_loginauto"),
		// Managed by another machine; still keeps its labels alive.
		pipeline(12, "rnaseq_otherhost", foreign),
		pipeline(13, "sarek_loginauto", shared, foreign),
	}

	plan, err := newTestPlanner().Plan(inv, loginIntent("nf-core/atacseq"))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	if got := refNames(plan.PipelinesToRemove); !reflect.DeepEqual(got, []string{"nf-core/rnaseq", "nf-core/sarek"}) {
		t.Fatalf("to remove = %v", got)
	}
	// foreign is still carried by another machine's pipeline and atac-seq is
	// still desired.
	if got := labelNames(plan.LabelsToRemove); !reflect.DeepEqual(got, []string{"orphan", "shared"}) {
		t.Errorf("labels to remove = %v", got)
	}

	kept := map[string]bool{}
	for _, pl := range inv.Pipelines {
		removed := false
		for _, r := range plan.PipelinesToRemove {
			if r.ID == pl.ID() {
				removed = true
			}
		}
		if removed {
			continue
		}
		for _, l := range pl.Labels {
			kept[l.Name] = true
		}
	}
	for _, l := range plan.LabelsToRemove {
		if kept[l.Name] {
			t.Errorf("label %q is still referenced but planned for removal", l.Name)
		}
	}
}

func TestPlanner_SkipsSpecsOutsideCatalog(t *testing.T) {
	plan, err := newTestPlanner().Plan(loginInventory(), loginIntent("nf-core/rnaseq", "nf-core/doesnotexist@1.0", "other/repo"))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	if !reflect.DeepEqual(plan.Skipped, []string{"nf-core/doesnotexist@1.0", "other/repo"}) {
		t.Errorf("skipped = %v", plan.Skipped)
	}
	if len(plan.PipelinesToAdd) != 0 {
		t.Errorf("to add = %v", fullNames(plan.PipelinesToAdd))
	}
}

func TestPlanner_NewMachine(t *testing.T) {
	inv := loginInventory()
	inv.ComputeEnvs = []tower.ComputeEnv{{ID: "ce9", Name: "otherauto", Primary: true}}
	inv.Credentials = nil
	inv.Pipelines = []tower.Pipeline{}

	plan, err := newTestPlanner().Plan(inv, loginIntent("nf-core/rnaseq"))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	if plan.ComputeID != "" || plan.CredentialID != "" {
		t.Errorf("unexpected ids: %q %q", plan.ComputeID, plan.CredentialID)
	}
	if plan.ComputePrimaryID != "ce9" {
		t.Errorf("primary = %q", plan.ComputePrimaryID)
	}
	if !plan.NeedsIdentity() || !plan.NeedsCredential() || !plan.NeedsPrimary() {
		t.Error("new machine needs identity, credential and primary")
	}
	if plan.UpToDate() {
		t.Error("new machine is not up to date")
	}
	if len(plan.LabelsToAdd) != 0 {
		t.Errorf("rna-seq label exists, got %v", plan.LabelsToAdd)
	}
}

func TestPlanner_Deterministic(t *testing.T) {
	planner := newTestPlanner()
	intent := loginIntent("nf-core/sarek", "nf-core/atacseq", "nf-core/rnaseq@dev")

	first, err := planner.Plan(loginInventory(), intent)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := planner.Plan(loginInventory(), intent)
		if err != nil {
			t.Fatalf("Plan failed: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("plan %d differs:\n%+v\n%+v", i, first, again)
		}
	}
}

func TestPlanner_PropertySetAlgebra(t *testing.T) {
	names := []string{"rnaseq", "sarek", "atacseq", "chipseq", "methylseq"}
	catalog := catalogOf()
	for _, n := range names {
		catalog.Workflows = append(catalog.Workflows, workflow("nf-core/"+n, n+"-topic"))
	}

	// Every subset pair of the five pipelines.
	for d := 0; d < 1<<len(names); d++ {
		for e := 0; e < 1<<len(names); e++ {
			for _, force := range []bool{false, true} {
				inv := loginInventory()
				inv.Catalog = catalog
				inv.Pipelines = []tower.Pipeline{}
				for i, n := range names {
					if e&(1<<i) != 0 {
						inv.Pipelines = append(inv.Pipelines, pipeline(100+i, n+"_loginauto"))
					}
				}
				intent := loginIntent()
				intent.Pipelines = []string{}
				intent.Force = force
				for i, n := range names {
					if d&(1<<i) != 0 {
						intent.Pipelines = append(intent.Pipelines, "nf-core/"+n)
					}
				}

				plan, err := newTestPlanner().Plan(inv, intent)
				if err != nil {
					t.Fatalf("Plan failed: %v", err)
				}

				var wantAdd, wantRemove, wantSame []string
				for i, n := range names {
					inD, inE := d&(1<<i) != 0, e&(1<<i) != 0
					full := "nf-core/" + n
					switch {
					case inD && (force || !inE):
						wantAdd = append(wantAdd, full)
					case inD && inE:
						wantSame = append(wantSame, full)
					case inE:
						wantRemove = append(wantRemove, full)
					}
				}

				if got := fullNames(plan.PipelinesToAdd); !sameSet(got, wantAdd) {
					t.Errorf("d=%05b e=%05b force=%v: add %v, want %v", d, e, force, got, wantAdd)
				}
				if got := refNames(plan.PipelinesToRemove); !sameSet(got, wantRemove) {
					t.Errorf("d=%05b e=%05b force=%v: remove %v, want %v", d, e, force, got, wantRemove)
				}
				if !sameSet(plan.PipelinesUnchanged, wantSame) {
					t.Errorf("d=%05b e=%05b force=%v: unchanged %v, want %v", d, e, force, plan.PipelinesUnchanged, wantSame)
				}
				for _, c := range plan.PipelinesToAdd {
					existing := plan.PipelineNameToID[c.FullName]
					if c.ExistingID != existing {
						t.Errorf("d=%05b e=%05b: %s existing id %q, want %q", d, e, c.FullName, c.ExistingID, existing)
					}
				}
			}
		}
	}
}

func TestPlanner_Validation(t *testing.T) {
	planner := newTestPlanner()

	if _, err := planner.Plan(nil, loginIntent()); !IsValidation(err) {
		t.Errorf("nil inventory: %v", err)
	}

	intent := loginIntent()
	intent.ComputeName = ""
	if _, err := planner.Plan(loginInventory(), intent); !IsValidation(err) {
		t.Errorf("missing compute name: %v", err)
	}

	intent = loginIntent("nf-core/rnaseq")
	intent.Suffix = ""
	if _, err := planner.Plan(loginInventory(), intent); !IsValidation(err) {
		t.Errorf("missing suffix: %v", err)
	}

	inv := loginInventory()
	inv.Catalog = nil
	if _, err := planner.Plan(inv, loginIntent("nf-core/rnaseq")); !IsValidation(err) {
		t.Errorf("missing catalog: %v", err)
	}
}

func TestPipelineChange_Payload(t *testing.T) {
	c := PipelineChange{FullName: "nf-core/rnaseq"}
	if got := c.RemoteName("_loginauto"); got != "rnaseq_loginauto" {
		t.Errorf("RemoteName = %q", got)
	}
	if c.Icon() != NFCoreIcon {
		t.Errorf("Icon = %q", c.Icon())
	}
	if got := c.RepositoryURL(); got != "https://github.com/nf-core/rnaseq" {
		t.Errorf("RepositoryURL = %q", got)
	}

	other := PipelineChange{FullName: "someone/tool"}
	if other.Icon() != "" {
		t.Errorf("Icon = %q, want empty", other.Icon())
	}
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int)
	for _, s := range a {
		seen[s]++
	}
	for _, s := range b {
		seen[s]--
		if seen[s] < 0 {
			return false
		}
	}
	return true
}

func TestPlanner_NonPrimaryComputeIsNotUpToDate(t *testing.T) {
	inv := loginInventory()
	inv.ComputeEnvs[0].Primary = false
	inv.ComputeEnvs = append(inv.ComputeEnvs, tower.ComputeEnv{ID: "ce9", Name: "otherauto", Primary: true})

	plan, err := newTestPlanner().Plan(inv, loginIntent("nf-core/rnaseq"))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if plan.NeedsIdentity() {
		t.Error("identity is untouched")
	}
	if !plan.NeedsPrimary() {
		t.Error("compute should be promoted")
	}
	if plan.UpToDate() {
		t.Error("a pending promotion is not up to date")
	}
}

func TestPlanner_ComputeDetachedFromCredential(t *testing.T) {
	tests := []struct {
		name         string
		computeCred  string
		wantDetached bool
	}{
		{name: "same credential", computeCred: "cred1"},
		{name: "other credential", computeCred: "cred-old", wantDetached: true},
		{name: "unknown", computeCred: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := loginInventory()
			inv.Compute = &tower.ComputeEnv{ID: "ce1", Name: "loginauto", Primary: true, CredentialsID: tt.computeCred}

			plan, err := newTestPlanner().Plan(inv, loginIntent("nf-core/rnaseq"))
			if err != nil {
				t.Fatalf("Plan failed: %v", err)
			}
			if plan.ComputeCredentialID != tt.computeCred {
				t.Errorf("compute credential = %q", plan.ComputeCredentialID)
			}
			if plan.ComputeDetached() != tt.wantDetached {
				t.Errorf("detached = %v", plan.ComputeDetached())
			}
			if plan.NeedsIdentity() != tt.wantDetached {
				t.Errorf("needs identity = %v", plan.NeedsIdentity())
			}
			if plan.NeedsCredential() {
				t.Error("existing credential is reused")
			}
			if plan.UpToDate() == tt.wantDetached {
				t.Errorf("up to date = %v", plan.UpToDate())
			}
		})
	}
}

func TestPlanner_ExistingComputeWithoutCredential(t *testing.T) {
	inv := loginInventory()
	inv.Credentials = nil

	plan, err := newTestPlanner().Plan(inv, loginIntent("nf-core/rnaseq"))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if !plan.NeedsCredential() || !plan.NeedsIdentity() {
		t.Error("missing credential must be created and the compute re-submitted")
	}
	if plan.UpToDate() {
		t.Error("plan is not up to date")
	}
}
