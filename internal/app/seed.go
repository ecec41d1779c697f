package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"tradeguard/internal/breaker"
)

// SeedFile is the YAML layout of breaker definitions grouped by tenant.
type SeedFile struct {
	Tenants []SeedTenant `yaml:"tenants"`
}

// SeedTenant lists the breakers of one tenant.
type SeedTenant struct {
	TenantID string        `yaml:"tenantId"`
	Breakers []SeedBreaker `yaml:"breakers"`
}

// SeedBreaker is one breaker definition. Condition keeps the wire shape
// `{type: ..., <fields>}` so it decodes through the regular condition codec.
type SeedBreaker struct {
	BreakerID        string         `yaml:"breakerId"`
	Name             string         `yaml:"name"`
	Scope            string         `yaml:"scope"`
	ScopeID          string         `yaml:"scopeId"`
	CooldownMinutes  int            `yaml:"cooldownMinutes"`
	AutoResetEnabled bool           `yaml:"autoResetEnabled"`
	Condition        map[string]any `yaml:"condition"`
}

// SeedReport counts what a seed run changed.
type SeedReport struct {
	Created int
	Updated int
}

// ParseSeed decodes and validates a seed document.
func ParseSeed(r io.Reader) (SeedFile, error) {
	var file SeedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return SeedFile{}, errors.New("seed 文件为空")
		}
		return SeedFile{}, fmt.Errorf("parse seed: %w", err)
	}
	for i, t := range file.Tenants {
		if strings.TrimSpace(t.TenantID) == "" {
			return SeedFile{}, fmt.Errorf("tenants[%d]: tenantId is required", i)
		}
		for j, b := range t.Breakers {
			if b.BreakerID == "" {
				return SeedFile{}, fmt.Errorf("tenants[%d].breakers[%d]: breakerId is required", i, j)
			}
		}
	}
	return file, nil
}

func (b SeedBreaker) input() (breaker.BreakerInput, error) {
	raw, err := json.Marshal(b.Condition)
	if err != nil {
		return breaker.BreakerInput{}, fmt.Errorf("breaker %s: encode condition: %w", b.BreakerID, err)
	}
	cond, err := breaker.DecodeCondition(raw)
	if err != nil {
		return breaker.BreakerInput{}, fmt.Errorf("breaker %s: %w", b.BreakerID, err)
	}
	return breaker.BreakerInput{
		BreakerID:        b.BreakerID,
		Name:             b.Name,
		Condition:        cond,
		Scope:            breaker.Scope(strings.ToUpper(b.Scope)),
		ScopeID:          b.ScopeID,
		CooldownMinutes:  b.CooldownMinutes,
		AutoResetEnabled: b.AutoResetEnabled,
	}, nil
}

// Seed creates or updates the breakers of a seed file.
func (a *App) Seed(ctx context.Context, opts SeedOptions) error {
	path := opts.Path
	if path == "" {
		path = a.Config.Breaker.SeedFile
	}
	if path == "" {
		return errors.New("--file 或 breaker.seed_file 必须提供")
	}

	if opts.DryRun {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		file, err := ParseSeed(f)
		if err != nil {
			return err
		}
		for _, t := range file.Tenants {
			for _, b := range t.Breakers {
				if _, err := b.input(); err != nil {
					return err
				}
			}
		}
		a.Logger.Warn().Int("tenants", len(file.Tenants)).Msg("seed dry-run：不会写入存储")
		return nil
	}

	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if rt.pg == nil {
		a.Logger.Warn().Msg("seeding the in-memory store; breakers vanish when the command exits")
	}
	_, err = a.seed(ctx, rt.engine, path)
	return err
}

// seed applies a seed file. An existing breaker keeps its state and history
// and only has its configuration replaced.
func (a *App) seed(ctx context.Context, engine *breaker.Engine, path string) (SeedReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return SeedReport{}, err
	}
	defer f.Close()

	file, err := ParseSeed(f)
	if err != nil {
		return SeedReport{}, err
	}
	report, err := applySeed(ctx, engine, file)
	a.Logger.Info().Str("file", path).
		Int("created", report.Created).
		Int("updated", report.Updated).
		Msg("breakers seeded")
	return report, err
}

func applySeed(ctx context.Context, engine *breaker.Engine, file SeedFile) (SeedReport, error) {
	var report SeedReport
	for _, t := range file.Tenants {
		for _, b := range t.Breakers {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			in, err := b.input()
			if err != nil {
				return report, err
			}

			_, err = engine.CreateBreaker(ctx, t.TenantID, in)
			if err == nil {
				report.Created++
				continue
			}
			if !errors.Is(err, breaker.ErrAlreadyExists) {
				return report, fmt.Errorf("tenant %s: %w", t.TenantID, err)
			}

			upd := breaker.BreakerUpdate{
				Name:             &in.Name,
				Condition:        in.Condition,
				Scope:            &in.Scope,
				ScopeID:          &in.ScopeID,
				CooldownMinutes:  &in.CooldownMinutes,
				AutoResetEnabled: &in.AutoResetEnabled,
			}
			if _, err := engine.UpdateBreaker(ctx, t.TenantID, in.BreakerID, upd); err != nil {
				return report, fmt.Errorf("tenant %s: %w", t.TenantID, err)
			}
			report.Updated++
		}
	}
	return report, nil
}
