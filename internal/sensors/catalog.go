// Package sensors turns raw gateway readings into classified values for the
// console. Classification is pure; the stores only hold the latest results
// and never feed back into machine state.
package sensors

// Kind selects the threshold table used to classify a value.
type Kind string

const (
	KindMotorTemp     Kind = "motor_temp"
	KindEarthPressure Kind = "earth_pressure"
	KindOilTemp       Kind = "oil_temp"
	KindFlame         Kind = "flame"
	KindActuator      Kind = "actuator"
	KindThrust        Kind = "thrust"
	KindWaterPressure Kind = "water_pressure"
	KindVoltage       Kind = "voltage"
	KindCurrent       Kind = "current"
	KindDriveTemp     Kind = "drive_temp"
	KindPlain         Kind = "plain"
)

// Severity is the classification of one reading.
type Severity string

const (
	Normal   Severity = "normal"
	Warning  Severity = "warning"
	Critical Severity = "critical"
	Error    Severity = "error"
)

// Group partitions the catalog by poll interval.
type Group string

const (
	GroupSensor Group = "sensor"
	GroupPower  Group = "power"
)

// Sensor describes one gateway value.
type Sensor struct {
	Name  string
	Board string
	Path  string
	Unit  string
	Kind  Kind
	Group Group
}

// Catalog lists every value the console polls, in display order.
var Catalog = []Sensor{
	{"oil_pressure", "ag", "ag/oil-preassure", "bar", KindPlain, GroupSensor},
	{"oil_temperature", "ag", "ag/oil-temp", "°C", KindOilTemp, GroupSensor},
	{"water_pressure", "ag", "ag/water-preassure", "PSI", KindWaterPressure, GroupSensor},

	{"thrust_top", "bg", "bg/get-thrustTop", "kN", KindThrust, GroupSensor},
	{"thrust_left", "bg", "bg/get-thrustLeft", "kN", KindThrust, GroupSensor},
	{"thrust_right", "bg", "bg/get-thrustRight", "kN", KindThrust, GroupSensor},
	{"motor_temperature", "bg", "bg/motor-temp", "°C", KindMotorTemp, GroupSensor},
	{"earth_pressure", "bg", "bg/earth-preassure", "bar", KindEarthPressure, GroupSensor},
	{"flame", "bg", "bg/flame", "%", KindFlame, GroupSensor},
	{"actuator_a", "bg", "bg/actuator-A", "mm", KindActuator, GroupSensor},
	{"actuator_b", "bg", "bg/actuator-B", "mm", KindActuator, GroupSensor},
	{"actuator_c", "bg", "bg/actuator-C", "mm", KindActuator, GroupSensor},
	{"encoder_speed", "bg", "bg/encoder-speed", "rpm", KindPlain, GroupSensor},

	{"cutterhead_output_frequency", "vfd", "data/output-frequency", "Hz", KindPlain, GroupSensor},
	{"cutterhead_drive_temperature", "vfd", "data/drive-temp", "°C", KindDriveTemp, GroupSensor},
	{"waterpump_output_frequency", "wp", "wp/data/output-frequency", "Hz", KindPlain, GroupSensor},
	{"waterpump_drive_temperature", "wp", "wp/data/drive-temp", "°C", KindDriveTemp, GroupSensor},

	{"pm480_v1n", "pm480", "pm480/V1N", "V", KindVoltage, GroupPower},
	{"pm480_v2n", "pm480", "pm480/V2N", "V", KindVoltage, GroupPower},
	{"pm480_v3n", "pm480", "pm480/V3N", "V", KindVoltage, GroupPower},
	{"pm480_i1", "pm480", "pm480/I1", "A", KindCurrent, GroupPower},
	{"pm480_i2", "pm480", "pm480/I2", "A", KindCurrent, GroupPower},
	{"pm120_v1n", "pm120", "pm120/V1N", "V", KindVoltage, GroupPower},
	{"pm120_v2n", "pm120", "pm120/V2N", "V", KindVoltage, GroupPower},
	{"pm120_v3n", "pm120", "pm120/V3N", "V", KindVoltage, GroupPower},
	{"pm120_i1", "pm120", "pm120/I1", "A", KindCurrent, GroupPower},
	{"pm120_i2", "pm120", "pm120/I2", "A", KindCurrent, GroupPower},
}

// ByGroup returns the catalog entries polled together.
func ByGroup(g Group) []Sensor {
	var out []Sensor
	for _, s := range Catalog {
		if s.Group == g {
			out = append(out, s)
		}
	}
	return out
}

// threshold holds the limits for one kind. A nil limit is never reached.
type threshold struct {
	warning, critical *float64
	// inclusive makes a value equal to a limit count as reaching it.
	inclusive bool
}

func limit(v float64) *float64 { return &v }

var thresholds = map[Kind]threshold{
	KindMotorTemp:     {warning: limit(70), critical: limit(85)},
	KindEarthPressure: {warning: limit(4), critical: limit(5)},
	KindOilTemp:       {warning: limit(85), critical: limit(95)},
	KindFlame:         {critical: limit(3000)},
	KindActuator:      {warning: limit(90)},
	KindThrust:        {warning: limit(50), critical: limit(80), inclusive: true},
	KindWaterPressure: {warning: limit(80), critical: limit(100)},
	KindVoltage:       {warning: limit(500), critical: limit(550), inclusive: true},
	KindCurrent:       {warning: limit(80), critical: limit(100), inclusive: true},
	KindDriveTemp:     {warning: limit(70), critical: limit(85)},
}

// Classify maps a value to a severity. Unknown and plain kinds are always
// normal.
func Classify(kind Kind, value float64) Severity {
	t, ok := thresholds[kind]
	if !ok {
		return Normal
	}
	reached := func(l *float64) bool {
		if l == nil {
			return false
		}
		if t.inclusive {
			return value >= *l
		}
		return value > *l
	}
	switch {
	case reached(t.critical):
		return Critical
	case reached(t.warning):
		return Warning
	default:
		return Normal
	}
}
