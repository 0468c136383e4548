package engine

import (
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/towerconf/pkg/tower"
)

// Planner computes a Plan from an Inventory and an Intent. It makes no remote
// calls.
type Planner struct {
	logger zerolog.Logger
}

// NewPlanner creates a planner that logs skipped pipeline specs to logger.
func NewPlanner(logger zerolog.Logger) *Planner {
	return &Planner{logger: logger.With().Str("component", "planner").Logger()}
}

// SplitSpec splits "org/repo@revision" at the first "@".
func SplitSpec(spec string) (fullName, revision string) {
	if i := strings.Index(spec, "@"); i >= 0 {
		return spec[:i], spec[i+1:]
	}
	return spec, ""
}

// ManagedFullName recovers the catalog name of a pipeline this machine
// manages, or "" when name does not carry suffix.
func ManagedFullName(name, suffix string) string {
	if suffix == "" || !strings.HasSuffix(name, suffix) {
		return ""
	}
	return CanonicalOrg + strings.TrimSuffix(name, suffix)
}

// Plan computes the diff. The result only depends on its arguments.
func (p *Planner) Plan(inv *Inventory, intent Intent) (*Plan, error) {
	if inv == nil {
		return nil, NewPermanentError("inventory is nil", nil).WithCode(ErrCodeValidation)
	}
	if intent.ComputeName == "" || intent.CredentialName == "" {
		return nil, NewPermanentError("compute and credential names are required", nil).
			WithCode(ErrCodeValidation)
	}

	plan := &Plan{
		ComputeName:      intent.ComputeName,
		CredentialName:   intent.CredentialName,
		Suffix:           intent.Suffix,
		Force:            intent.Force,
		ManagePipelines:  intent.Pipelines != nil,
		ComputeID:        tower.ComputeEnvIDByName(inv.ComputeEnvs, intent.ComputeName),
		ComputePrimaryID: tower.PrimaryComputeEnvID(inv.ComputeEnvs),

		PipelinesToAdd:     []PipelineChange{},
		PipelinesToRemove:  []PipelineRef{},
		PipelinesUnchanged: []string{},
		LabelsToAdd:        []string{},
		LabelsToRemove:     []LabelRef{},
		PipelineNameToID:   map[string]string{},
		LabelNameToID:      map[string]string{},
	}
	if cred := tower.CredentialByName(inv.Credentials, intent.CredentialName); cred != nil {
		plan.CredentialID = cred.ID
		plan.CredentialProvider = cred.Provider
	}
	if inv.Compute != nil && plan.ComputeID != "" && inv.Compute.ID == plan.ComputeID {
		plan.ComputeCredentialID = inv.Compute.CredentialsID
	}

	if !plan.ManagePipelines {
		return plan, nil
	}
	if intent.Suffix == "" {
		return nil, NewPermanentError("pipeline suffix is required", nil).WithCode(ErrCodeValidation)
	}

	desired, err := p.resolveDesired(inv, intent, plan)
	if err != nil {
		return nil, err
	}

	managed := make(map[string]tower.Pipeline)
	for _, pl := range inv.Pipelines {
		if full := ManagedFullName(pl.Name, intent.Suffix); full != "" {
			managed[full] = pl
			plan.PipelineNameToID[full] = pl.ID()
		}
	}
	for _, l := range inv.Labels {
		plan.LabelNameToID[l.Name] = l.ID.String()
	}

	for _, full := range sortedKeys(desired) {
		change := desired[full]
		existing, present := managed[full]
		switch {
		case present && intent.Force:
			change.ExistingID = existing.ID()
			plan.PipelinesToAdd = append(plan.PipelinesToAdd, change)
		case present:
			plan.PipelinesUnchanged = append(plan.PipelinesUnchanged, full)
		default:
			plan.PipelinesToAdd = append(plan.PipelinesToAdd, change)
		}
	}

	removed := make(map[string]bool)
	for _, full := range sortedKeys(managed) {
		if _, ok := desired[full]; ok {
			continue
		}
		pl := managed[full]
		removed[pl.ID()] = true
		plan.PipelinesToRemove = append(plan.PipelinesToRemove, PipelineRef{
			FullName: full,
			Name:     pl.Name,
			ID:       pl.ID(),
		})
	}

	plan.LabelsToAdd, plan.LabelsToRemove = diffLabels(inv, desired, removed, plan.LabelNameToID)

	p.logger.Debug().
		Int("add", len(plan.PipelinesToAdd)).
		Int("remove", len(plan.PipelinesToRemove)).
		Int("unchanged", len(plan.PipelinesUnchanged)).
		Int("labels_add", len(plan.LabelsToAdd)).
		Int("labels_remove", len(plan.LabelsToRemove)).
		Msg("Plan computed")

	return plan, nil
}

// resolveDesired maps each requested spec to its catalog entry. Specs absent
// from the catalog are logged and skipped; a repeated full name keeps the
// last revision given.
func (p *Planner) resolveDesired(inv *Inventory, intent Intent, plan *Plan) (map[string]PipelineChange, error) {
	desired := make(map[string]PipelineChange, len(intent.Pipelines))
	if len(intent.Pipelines) == 0 {
		return desired, nil
	}
	if inv.Catalog == nil {
		return nil, NewPermanentError("pipeline catalog was not loaded", nil).WithCode(ErrCodeValidation)
	}

	catalog := inv.Catalog.ByFullName()
	for _, spec := range intent.Pipelines {
		full, revision := SplitSpec(spec)
		wf, ok := catalog[full]
		if !ok {
			p.logger.Warn().Str("pipeline", spec).Msg("Pipeline skipped, not a valid catalog pipeline")
			plan.Skipped = append(plan.Skipped, spec)
			continue
		}
		desired[full] = PipelineChange{
			FullName:    full,
			Revision:    revision,
			Description: wf.Description,
			Topics:      uniqueSorted(wf.Topics),
		}
	}
	return desired, nil
}

// diffLabels returns the topic labels to create and the labels to delete. A
// label is deleted only when it was attached to a removed pipeline, no other
// pipeline still carries it and no desired pipeline needs it.
func diffLabels(inv *Inventory, desired map[string]PipelineChange, removed map[string]bool, nameToID map[string]string) ([]string, []LabelRef) {
	wanted := make(map[string]bool)
	for _, change := range desired {
		for _, topic := range change.Topics {
			wanted[topic] = true
		}
	}

	refs := make(map[string]int)
	candidates := make(map[string]string)
	for _, pl := range inv.Pipelines {
		for _, l := range pl.Labels {
			if removed[pl.ID()] {
				candidates[l.Name] = l.ID.String()
				continue
			}
			refs[l.Name]++
		}
	}

	toAdd := []string{}
	for _, topic := range sortedKeys(wanted) {
		if _, exists := nameToID[topic]; !exists {
			toAdd = append(toAdd, topic)
		}
	}

	toRemove := []LabelRef{}
	for _, name := range sortedKeys(candidates) {
		if wanted[name] || refs[name] > 0 {
			continue
		}
		id := nameToID[name]
		if id == "" {
			id = candidates[name]
		}
		if id == "" {
			continue
		}
		toRemove = append(toRemove, LabelRef{Name: name, ID: id})
	}
	return toAdd, toRemove
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func uniqueSorted(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
