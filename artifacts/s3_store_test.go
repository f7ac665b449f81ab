package artifacts

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	qt "github.com/frankban/quicktest"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	minioImage  = "minio/minio:RELEASE.2024-11-07T00-52-20Z"
	minioUser   = "zkvote"
	minioSecret = "zkvote-secret"
)

func startMinio(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping S3 integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        minioImage,
			ExposedPorts: []string{"9000/tcp"},
			Cmd:          []string{"server", "/data"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     minioUser,
				"MINIO_ROOT_PASSWORD": minioSecret,
			},
			WaitingFor: wait.ForHTTP("/minio/health/ready").WithPort("9000/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start minio: %v", err)
	}
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	host, err := ctr.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	port, err := ctr.MappedPort(ctx, "9000/tcp")
	if err != nil {
		t.Fatal(err)
	}
	return fmt.Sprintf("http://%s:%s", host, port.Port())
}

func TestS3Store(t *testing.T) {
	endpoint := startMinio(t)
	c := qt.New(t)
	ctx := context.Background()

	s, err := NewS3Store(ctx, &S3Config{
		Endpoint:  endpoint,
		Bucket:    "circuits",
		Prefix:    "dev",
		AccessKey: minioUser,
		SecretKey: minioSecret,
	})
	c.Assert(err, qt.IsNil)
	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String("circuits")})
	c.Assert(err, qt.IsNil)

	_, err = s.Reader(ctx, Key("vote-v1", "vote.pk"))
	c.Assert(errors.Is(err, ErrNotFound), qt.IsTrue)

	writeKey(c, s, Key("vote-v1", "vote.pk"), "proving key bytes")
	c.Assert(readKey(c, s, Key("vote-v1", "vote.pk")), qt.Equals, "proving key bytes")
}

func TestS3StoreRequiresBucket(t *testing.T) {
	c := qt.New(t)
	_, err := NewS3Store(context.Background(), &S3Config{})
	c.Assert(err, qt.ErrorMatches, "s3 bucket is required")
}
