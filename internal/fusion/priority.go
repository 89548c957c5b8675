package fusion

// SensorPriorityTable is the immutable authority lookup used to break
// conflicts between devices: for a (device type, signal type) pair it yields
// an integer score. Unlisted pairs score zero.
type SensorPriorityTable struct {
	scores map[DeviceType]map[string]int
}

// NewSensorPriorityTable builds a table from explicit scores. The input map
// is copied; the table never changes after construction.
func NewSensorPriorityTable(scores map[DeviceType]map[string]int) *SensorPriorityTable {
	copied := make(map[DeviceType]map[string]int, len(scores))
	for dt, signals := range scores {
		row := make(map[string]int, len(signals))
		for signal, score := range signals {
			row[signal] = score
		}
		copied[dt] = row
	}
	return &SensorPriorityTable{scores: copied}
}

// Priority returns the authority score for a device type and signal type.
func (t *SensorPriorityTable) Priority(deviceType DeviceType, signalType string) int {
	if row, ok := t.scores[deviceType]; ok {
		return row[signalType]
	}
	return 0
}

// DefaultPriorityTable returns the built-in authority scores. Phones carry
// the user and win location; desktops indicate focused work and win
// activity; glasses and assistants see and hear the room and win people.
func DefaultPriorityTable() *SensorPriorityTable {
	return NewSensorPriorityTable(map[DeviceType]map[string]int{
		DeviceMobile: {
			DimLocation: 100,
			DimActivity: 70,
			DimPeople:   70,
			DimMood:     50,
			"gps":       100,
			"motion":    80,
		},
		DeviceWearable: {
			DimLocation:  90,
			DimActivity:  85,
			DimMood:      80,
			"heart_rate": 100,
			"motion":     90,
		},
		DeviceSmartglasses: {
			DimLocation: 85,
			DimActivity: 60,
			DimPeople:   100,
			"camera":    100,
		},
		DeviceDesktop: {
			DimActivity: 90,
			DimPeople:   40,
			"app_focus": 100,
			"screen":    90,
		},
		DeviceWeb: {
			DimLocation: 40,
			DimActivity: 50,
		},
		DeviceAssistant: {
			DimLocation:   25,
			DimPeople:     80,
			DimActivity:   40,
			"audio":       90,
			"noise_level": 80,
		},
		DeviceSmarthome: {
			DimLocation:     30,
			DimPeople:       60,
			"ambient_light": 90,
			"temperature":   90,
			"noise_level":   70,
		},
		DeviceAPI: {
			DimLocation: 10,
			DimActivity: 30,
		},
	})
}
