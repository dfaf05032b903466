package simulator

import (
	"strings"

	"github.com/slickwilli/plugsave/models"
)

type Category int

const (
	CategoryDefault Category = iota
	CategoryTV
	CategoryRefrigerator
	CategoryAirConditioner
	CategoryComputer
	CategoryLamp
	CategoryWashingMachine
	CategoryHeater
	CategoryWaterHeater
	CategoryFan
	CategoryKitchen
)

var categoryNames = map[Category]string{
	CategoryDefault:        "default",
	CategoryTV:             "tv",
	CategoryRefrigerator:   "refrigerator",
	CategoryAirConditioner: "air conditioner",
	CategoryComputer:       "computer",
	CategoryLamp:           "lamp",
	CategoryWashingMachine: "washing machine",
	CategoryHeater:         "heater",
	CategoryWaterHeater:    "water heater",
	CategoryFan:            "fan",
	CategoryKitchen:        "kitchen",
}

func (c Category) String() string {
	if n, ok := categoryNames[c]; ok {
		return n
	}
	return categoryNames[CategoryDefault]
}

// Range is an hourly draw range in kW.
type Range struct {
	Min float64
	Max float64
}

var consumptionRates = map[Category]Range{
	CategoryDefault:        {Min: 0.05, Max: 0.2},
	CategoryTV:             {Min: 0.1, Max: 0.3},
	CategoryRefrigerator:   {Min: 0.05, Max: 0.15},
	CategoryAirConditioner: {Min: 0.8, Max: 1.5},
	CategoryComputer:       {Min: 0.1, Max: 0.4},
	CategoryLamp:           {Min: 0.01, Max: 0.06},
	CategoryWashingMachine: {Min: 0.4, Max: 0.8},
	CategoryHeater:         {Min: 1.0, Max: 2.0},
	CategoryWaterHeater:    {Min: 1.0, Max: 1.5},
	CategoryFan:            {Min: 0.03, Max: 0.07},
	CategoryKitchen:        {Min: 0.2, Max: 0.5},
}

func (c Category) Range() Range {
	if r, ok := consumptionRates[c]; ok {
		return r
	}
	return consumptionRates[CategoryDefault]
}

// deviceTypes maps the explicit device_type values. "other" and unknown
// values are absent on purpose and fall through to the name heuristic.
var deviceTypes = map[string]Category{
	"heater":          CategoryHeater,
	"fridge":          CategoryRefrigerator,
	"refrigerator":    CategoryRefrigerator,
	"tv":              CategoryTV,
	"light":           CategoryLamp,
	"lamp":            CategoryLamp,
	"computer":        CategoryComputer,
	"air conditioner": CategoryAirConditioner,
	"washing machine": CategoryWashingMachine,
	"water heater":    CategoryWaterHeater,
	"fan":             CategoryFan,
	"kitchen":         CategoryKitchen,
}

// nameKeywords is checked in order, so longer phrases must come before the
// words they contain ("water heater" before "heater").
var nameKeywords = []struct {
	keyword  string
	category Category
}{
	{"air conditioner", CategoryAirConditioner},
	{"washing machine", CategoryWashingMachine},
	{"water heater", CategoryWaterHeater},
	{"heater", CategoryHeater},
	{"boiler", CategoryHeater},
	{"refrigerator", CategoryRefrigerator},
	{"fridge", CategoryRefrigerator},
	{"television", CategoryTV},
	{"tv", CategoryTV},
	{"computer", CategoryComputer},
	{"laptop", CategoryComputer},
	{"lamp", CategoryLamp},
	{"light", CategoryLamp},
	{"fan", CategoryFan},
	{"kitchen", CategoryKitchen},
	{"microwave", CategoryKitchen},
	{"kettle", CategoryKitchen},
}

// Classify resolves the device category from its explicit type, falling back
// to a case-insensitive keyword match on the name. fromName reports whether
// the fallback was used.
func Classify(d *models.Device) (c Category, fromName bool) {
	if c, ok := deviceTypes[strings.ToLower(strings.TrimSpace(d.DeviceType))]; ok {
		return c, false
	}
	return classifyName(d.Name), true
}

func classifyName(name string) Category {
	lower := strings.ToLower(name)
	for _, k := range nameKeywords {
		if strings.Contains(lower, k.keyword) {
			return k.category
		}
	}
	return CategoryDefault
}
