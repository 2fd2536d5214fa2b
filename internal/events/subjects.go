package events

import "fmt"

// Subject naming follows the dotted hierarchy a broker-backed deployment
// would use, even though delivery in this core is an in-process
// broadcaster (see bus.go): an out-of-core consumer that does sit behind a
// real broker can reuse these strings as routing keys without this core
// depending on a broker client itself.
//
//	b2bua.calls.<call_id>.<event_suffix>
//	b2bua.registrations.<aor>
const (
	SubjectPrefix        = "b2bua"
	SubjectCalls         = SubjectPrefix + ".calls"
	SubjectRegistrations = SubjectPrefix + ".registrations"
)

// BuildCallSubject returns the routing key for one Call's event stream.
func BuildCallSubject(callID string, kind Kind) string {
	return fmt.Sprintf("%s.%s.%s", SubjectCalls, callID, kind)
}

// BuildRegistrationSubject returns the routing key for one AoR's
// registration events.
func BuildRegistrationSubject(aor string) string {
	return fmt.Sprintf("%s.%s", SubjectRegistrations, aor)
}
