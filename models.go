package pxidig

import (
	"strings"

	"github.com/qstl/pxidig/accum"
	"github.com/qstl/pxidig/pxilock"
)

// Address locates a module in a PXI chassis.
type Address struct {
	Chassis int
	Slot    int
}

// ResourceName returns the name of the cross-process lock of the module.
func (a Address) ResourceName() string {
	return pxilock.ResourceName(a.Chassis, a.Slot)
}

// Model is one entry of the allow-list: a module is of this model when its
// product name contains ID.
type Model struct {
	ID   string `mapstructure:"id" json:"id"`
	Name string `mapstructure:"name" json:"name"`
}

// DefaultModels is the allow-list used when a SessionConfig gives none.
var DefaultModels = []Model{
	{ID: "M3100", Name: "M3100"},
	{ID: "M3102", Name: "M3102"},
	{ID: "M3300", Name: "M3300"},
	{ID: "M3302", Name: "M3302"},
}

// matchModel returns the first model whose ID is a substring of product.
func matchModel(product string, allowed []Model) (Model, bool) {
	for _, m := range allowed {
		if m.ID != "" && strings.Contains(product, m.ID) {
			return m, true
		}
	}
	return Model{}, false
}

func modelIDs(allowed []Model) []string {
	ids := make([]string, len(allowed))
	for i, m := range allowed {
		ids[i] = m.ID
	}
	return ids
}

// Family holds the sampling properties shared by a group of models.
type Family struct {
	SampleRate float64 // samples per second
	Dt         float64 // seconds per sample
	NChannels  int
	FullScale  float64 // code of a full-scale input
}

var (
	family500MHz = Family{SampleRate: 500e6, Dt: 2e-9, NChannels: 4, FullScale: accum.FullScale}
	family100MHz = Family{SampleRate: 100e6, Dt: 10e-9, NChannels: 4, FullScale: accum.FullScale}
)

// FamilyOf returns the family of a model name. Models not known to sample at
// 500 MHz are taken to sample at 100 MHz.
func FamilyOf(name string) Family {
	switch name {
	case "M3102", "M3302":
		return family500MHz
	}
	return family100MHz
}
