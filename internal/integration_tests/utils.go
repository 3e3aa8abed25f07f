package integrationtests

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"seg-backend/internal/messaging"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/minio"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	minioUsername = "admin"
	minioPassword = "password"
)

func setupMinioContainer(t *testing.T, ctx context.Context) string {
	minioContainer, err := minio.Run(
		ctx,
		"minio/minio:RELEASE.2024-01-16T16-07-38Z",
		minio.WithUsername(minioUsername),
		minio.WithPassword(minioPassword),
	)
	require.NoError(t, err, "Failed to start MinIO container")

	t.Cleanup(func() {
		err := minioContainer.Terminate(context.Background())
		require.NoError(t, err, "Failed to terminate MinIO container")
	})

	connStr, err := minioContainer.ConnectionString(ctx)
	require.NoError(t, err, "Failed to get MinIO connection string")

	return "http://" + connStr
}

func setupRabbitMQContainer(t *testing.T, ctx context.Context) (messaging.Publisher, messaging.Reciever) {
	rabbitmqContainer, err := rabbitmq.Run(ctx,
		"rabbitmq:3.12-management-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Server startup complete").
				WithStartupTimeout(time.Minute)),
	)
	require.NoError(t, err, "Failed to start RabbitMQ container")

	t.Cleanup(func() {
		err := rabbitmqContainer.Terminate(context.Background())
		require.NoError(t, err, "Failed to terminate RabbitMQ container")
	})

	connStr, err := rabbitmqContainer.AmqpURL(ctx)
	require.NoError(t, err, "Failed to get RabbitMQ AMQP URL")

	publisher, err := messaging.NewRabbitMQPublisher(connStr)
	require.NoError(t, err)
	t.Cleanup(publisher.Close)

	reciever, err := messaging.NewRabbitMQReceiver(connStr)
	require.NoError(t, err)
	t.Cleanup(reciever.Close)

	return publisher, reciever
}

// writeTrainingPair drops a synthetic fundus image into the inbox, with a
// matching vessel mask when labeled is true. The image is a horizontal red
// band so a trained model has an easy boundary to find.
func writeTrainingPair(t *testing.T, dataRoot, id string, size int, labeled bool) {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, size, size))
	mask := image.NewGray(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			if y >= size/4 && y < size/2 {
				img.Set(x, y, color.RGBA{R: 230, G: 60, B: 60, A: 255})
				mask.Set(x, y, color.Gray{Y: 255})
			} else {
				img.Set(x, y, color.RGBA{A: 255})
			}
		}
	}

	writePngFile(t, filepath.Join(dataRoot, "inbox", "images", id), img)
	if labeled {
		writePngFile(t, filepath.Join(dataRoot, "inbox", "annotations", id), mask)
	}
}

func writePngFile(t *testing.T, path string, img image.Image) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

// bandMaskPng encodes the vessel mask matching writeTrainingPair's band.
func bandMaskPng(t *testing.T, size int) []byte {
	t.Helper()

	mask := image.NewGray(image.Rect(0, 0, size, size))
	for y := size / 4; y < size/2; y++ {
		for x := 0; x < size; x++ {
			mask.Set(x, y, color.Gray{Y: 255})
		}
	}

	buf := new(bytes.Buffer)
	require.NoError(t, png.Encode(buf, mask))
	return buf.Bytes()
}
