package s3test

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"net/http/httptest"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
)

// Client returns an S3 client, a bucket to use, and a func that empties
// the bucket and stops any fake server. MIRROR_TEST_S3_BUCKET names an
// existing bucket to reuse; otherwise a random one is created.
func Client() (*s3.S3, string, func()) {
	var client *s3.S3
	closer := func() {}
	if os.Getenv("MIRROR_TEST_S3_ENDPOINT") != "" {
		client = endpointClient()
	} else {
		var ts *httptest.Server
		client, ts = fakeClient()
		closer = ts.Close
	}

	bucketName := os.Getenv("MIRROR_TEST_S3_BUCKET")
	created := false
	if bucketName != "" {
		if err := emptyBucket(client, bucketName); err != nil {
			panic(err)
		}
	} else {
		bucketName = randBucketName()
		_, err := client.CreateBucket(&s3.CreateBucketInput{
			Bucket: &bucketName,
		})
		if err != nil {
			panic(err)
		}
		created = true
	}

	stop := closer
	closer = func() {
		emptyBucket(client, bucketName)
		if created {
			client.DeleteBucket(&s3.DeleteBucketInput{
				Bucket: &bucketName,
			})
		}
		stop()
	}
	return client, bucketName, closer
}

func endpointClient() *s3.S3 {
	config := aws.Config{
		Credentials: credentials.NewStaticCredentials(
			getEnv("AWS_ACCESS_KEY_ID"),
			getEnv("AWS_SECRET_ACCESS_KEY"),
			getEnvOrDefault("AWS_SESSION_TOKEN", ""),
		),
		Endpoint:         aws.String(getEnv("MIRROR_TEST_S3_ENDPOINT")),
		S3ForcePathStyle: aws.Bool(true),
	}
	// With AWS_REGION set this is real S3 and the SDK picks the endpoint;
	// otherwise the region only needs to be nonempty.
	config.Region = aws.String(getEnvOrDefault("AWS_REGION", "not-using-AWS"))
	if *config.Region != "not-using-AWS" {
		config.Endpoint = nil
	}
	sess, err := session.NewSession(&config)
	if err != nil {
		panic(err)
	}
	return s3.New(sess)
}

func fakeClient() (*s3.S3, *httptest.Server) {
	faker := gofakes3.New(s3mem.New())
	ts := httptest.NewServer(faker.Server())
	sess, err := session.NewSession(&aws.Config{
		Credentials: credentials.NewStaticCredentials(
			"TEST-ACCESSKEYID",
			"TEST-SECRETACCESSKEY",
			"",
		),
		Endpoint:         aws.String(ts.URL),
		Region:           aws.String("ca-west-1"),
		DisableSSL:       aws.Bool(true),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		panic(err)
	}
	return s3.New(sess), ts
}

func getEnv(key string) string {
	res := os.Getenv(key)
	if res == "" {
		panic(fmt.Sprintf("environment '%s' unset", key))
	}
	return res
}

func getEnvOrDefault(key, def string) string {
	res := os.Getenv(key)
	if res == "" {
		return def
	}
	return res
}

func randBucketName() string {
	i, err := rand.Int(rand.Reader, big.NewInt(math.MaxUint32))
	if err != nil {
		panic(err)
	}
	return fmt.Sprintf("bucket-%s", i)
}

func emptyBucket(s *s3.S3, bucket string) error {
	params := &s3.ListObjectsInput{
		Bucket: &bucket,
	}
	for {
		objects, err := s.ListObjects(params)
		if err != nil {
			return err
		}
		if len(objects.Contents) == 0 {
			return nil
		}
		toDelete := make([]*s3.ObjectIdentifier, 0, len(objects.Contents))
		for _, object := range objects.Contents {
			toDelete = append(toDelete, &s3.ObjectIdentifier{Key: object.Key})
		}
		_, err = s.DeleteObjects(&s3.DeleteObjectsInput{
			Bucket: &bucket,
			Delete: &s3.Delete{Objects: toDelete},
		})
		if err != nil {
			return err
		}
		if !aws.BoolValue(objects.IsTruncated) {
			return nil
		}
		params.Marker = toDelete[len(toDelete)-1].Key
	}
}
