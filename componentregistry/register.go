// Package componentregistry wires the built-in component libraries into
// a dataflow factory. It plays the role of the dynamic plug-in loader:
// each built-in library registers under a name, and the host resolves
// its registerComponent entry point through the ModuleLoader contract.
package componentregistry

import (
	"github.com/schwoere/utdataflow/bridge"
	"github.com/schwoere/utdataflow/dataflow"
)

// Libraries returns the registry loader preloaded with the built-in
// component libraries. The bridge library needs the measurement
// transport shared by all its components.
func Libraries(transport bridge.Transport) *dataflow.RegistryLoader {
	loader := dataflow.NewRegistryLoader()

	loader.Add("bridge", func(f *dataflow.Factory) error {
		return bridge.Register(f, transport)
	})

	return loader
}

// RegisterAll opens each named library and runs its registration entry
// point against the factory.
func RegisterAll(f *dataflow.Factory, loader *dataflow.RegistryLoader, libraries ...string) error {
	for _, lib := range libraries {
		h, err := loader.Open(lib)
		if err != nil {
			return err
		}
		register, err := loader.Resolve(h, "registerComponent")
		if err != nil {
			return err
		}
		if err := register(f); err != nil {
			return err
		}
		if err := loader.Close(h); err != nil {
			return err
		}
	}
	return nil
}
