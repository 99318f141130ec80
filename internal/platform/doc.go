// Package platform defines the interface to the remote ML orchestration
// platform (compute, datastores, environments, pipeline runs) and the
// wire-neutral job description exchanged with it. Implementations live in
// subpackages: azureml talks to the Azure Machine Learning REST API and
// memory simulates a workspace in process.
package platform
