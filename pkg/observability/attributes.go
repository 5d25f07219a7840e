package observability

import "go.opentelemetry.io/otel/attribute"

var (
	AttrOperation = attribute.Key("creditlock.operation")
	AttrComponent = attribute.Key("creditlock.component")
	AttrEntityID  = attribute.Key("creditlock.entity.id")
	AttrCohortKey = attribute.Key("creditlock.cohort.key")
	AttrStatus    = attribute.Key("creditlock.review.status")
	AttrRole      = attribute.Key("creditlock.review.role")
	AttrOverride  = attribute.Key("creditlock.lock.override")
)

// ReviewOperation describes a reviewer action.
func ReviewOperation(entityID, status, role string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEntityID.String(entityID),
		AttrStatus.String(status),
		AttrRole.String(role),
	}
}

// GenerateOperation describes a document generation request.
func GenerateOperation(cohortKey string, override bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCohortKey.String(cohortKey),
		AttrOverride.Bool(override),
	}
}
