// Package trigger normalizes object-creation notifications from Azure
// Functions blob bindings, Event Grid and MinIO into model.BlobEvent. Only
// metadata is read; blob content is ignored.
package trigger
