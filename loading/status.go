package loading

// Status is the externally visible lifecycle state of a tracked object.
type Status int

const (
	NotLoaded Status = iota
	Loaded
	Failed
	LoadingStatus
	LoadedAndReloading
	FailedAndReloading
	NotExist
)

var statusNames = map[Status]string{
	NotLoaded:           "NOT_LOADED",
	Loaded:              "LOADED",
	Failed:              "FAILED",
	LoadingStatus:       "LOADING",
	LoadedAndReloading:  "LOADED_AND_RELOADING",
	FailedAndReloading:  "FAILED_AND_RELOADING",
	NotExist:            "NOT_EXIST",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// StatusValue pairs a Status with its stable name, for consumers that
// register the enum (e.g. a metrics label set or an admin UI dropdown).
type StatusValue struct {
	Name  string
	Value Status
}

// StatusValues returns every possible Status in a stable order, mirroring
// the source's getStatusEnumAllPossibleValues() helper.
func StatusValues() []StatusValue {
	return []StatusValue{
		{Name: statusNames[NotLoaded], Value: NotLoaded},
		{Name: statusNames[Loaded], Value: Loaded},
		{Name: statusNames[Failed], Value: Failed},
		{Name: statusNames[LoadingStatus], Value: LoadingStatus},
		{Name: statusNames[LoadedAndReloading], Value: LoadedAndReloading},
		{Name: statusNames[FailedAndReloading], Value: FailedAndReloading},
		{Name: statusNames[NotExist], Value: NotExist},
	}
}
