package weave

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlManifest = `
bundle: greeter-bundle
factories:
  - id: greeter.factory
    constructor: greeter
    provides: [greeter]
    properties:
      lang: en
    requirements:
      - name: store
        specification: store
        optional: true
instances:
  - name: greeter.1
    factory: greeter.factory
    properties:
      lang: fr
`

const tomlManifest = `
bundle = "greeter-bundle"

[[factories]]
id = "greeter.factory"
constructor = "greeter"
provides = ["greeter"]

[factories.properties]
lang = "en"

[[factories.requirements]]
name = "store"
specification = "store"
optional = true

[[instances]]
name = "greeter.1"
factory = "greeter.factory"

[instances.properties]
lang = "fr"
`

func writeManifest(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadManifestYAMLAndTOML(t *testing.T) {
	for _, tc := range []struct {
		name, file, content string
	}{
		{"yaml", "bundle.yaml", yamlManifest},
		{"toml", "bundle.toml", tomlManifest},
	} {
		t.Run(tc.name, func(t *testing.T) {
			manifest, err := LoadManifest(writeManifest(t, tc.file, tc.content))
			require.NoError(t, err)

			assert.Equal(t, "greeter-bundle", manifest.Bundle)
			require.Len(t, manifest.Factories, 1)
			f := manifest.Factories[0]
			assert.Equal(t, "greeter.factory", f.ID)
			assert.Equal(t, "greeter", f.Constructor)
			assert.Equal(t, []string{"greeter"}, f.Provides)
			assert.Equal(t, "en", f.Properties["lang"])
			require.Len(t, f.Requirements, 1)
			assert.Equal(t, "store", f.Requirements[0].Specification)
			assert.True(t, f.Requirements[0].Optional)

			require.Len(t, manifest.Instances, 1)
			assert.Equal(t, "greeter.1", manifest.Instances[0].Name)
			assert.Equal(t, "fr", manifest.Instances[0].Properties["lang"])
		})
	}
}

func TestLoadManifestErrors(t *testing.T) {
	_, err := LoadManifest(writeManifest(t, "bundle.json", `{}`))
	assert.ErrorIs(t, err, ErrManifestFormat)

	_, err = LoadManifest(writeManifest(t, "bundle.yaml", `{broken`))
	assert.ErrorIs(t, err, ErrManifestFormat)

	_, err = LoadManifest(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestManifestValidation(t *testing.T) {
	cases := []struct {
		name     string
		manifest BundleManifest
	}{
		{"missing bundle name", BundleManifest{}},
		{"factory without id", BundleManifest{
			Bundle:    "b",
			Factories: []FactoryManifest{{Constructor: "c"}},
		}},
		{"factory without constructor", BundleManifest{
			Bundle:    "b",
			Factories: []FactoryManifest{{ID: "f"}},
		}},
		{"duplicate factory id", BundleManifest{
			Bundle: "b",
			Factories: []FactoryManifest{
				{ID: "f", Constructor: "c"},
				{ID: "f", Constructor: "c"},
			},
		}},
		{"instance without name", BundleManifest{
			Bundle:    "b",
			Factories: []FactoryManifest{{ID: "f", Constructor: "c"}},
			Instances: []InstanceManifest{{Factory: "f"}},
		}},
		{"instance references unknown factory", BundleManifest{
			Bundle:    "b",
			Instances: []InstanceManifest{{Name: "i", Factory: "nope"}},
		}},
		{"bad requirement filter", BundleManifest{
			Bundle: "b",
			Factories: []FactoryManifest{{
				ID: "f", Constructor: "c",
				Requirements: []RequirementManifest{{Name: "r", Specification: "s", Filter: "(bad"}},
			}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.manifest.Validate(), ErrManifestInvalid)
		})
	}
}

func TestApplyManifest(t *testing.T) {
	rt := NewRuntime()
	defer rt.Stop(context.Background())
	rt.RegisterConstructor("greeter", nopConstructor)

	bundle, err := rt.ApplyManifestFile(writeManifest(t, "bundle.yaml", yamlManifest))
	require.NoError(t, err)
	assert.Equal(t, "greeter-bundle", bundle.Name())

	assert.Equal(t, []string{"greeter.factory"}, rt.Factories().Factories())
	m, ok := rt.Factories().Get("greeter.1")
	require.True(t, ok)
	require.True(t, m.WaitForState(waitCtx(t), StateValid))
	assert.Equal(t, "fr", m.Properties()["lang"], "instance override wins over factory default")

	// the declared instance provides its specification once valid
	require.Eventually(t, func() bool {
		ref, err := rt.Registry().FindOne("greeter", "")
		return err == nil && ref != nil
	}, waitEventually, waitTick)
}

func TestApplyManifestUnknownConstructor(t *testing.T) {
	rt := NewRuntime()
	defer rt.Stop(context.Background())

	_, err := rt.ApplyManifestFile(writeManifest(t, "bundle.yaml", yamlManifest))
	assert.ErrorIs(t, err, ErrConstructorNotFound)
	assert.Empty(t, rt.Bundles(), "an unresolvable manifest must not leave a half-installed bundle")
}
