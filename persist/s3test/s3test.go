// Package s3test provides S3 clients for tests: an in-memory fake by
// default, or a real endpoint when MIRROR_TEST_S3_ENDPOINT is set.
package s3test
