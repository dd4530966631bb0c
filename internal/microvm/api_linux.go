package microvm

import (
	"context"
	"errors"
	"fmt"
	"io"

	firecracker "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"
)

// apiClient issues the control API calls that configure and drive one
// firecracker process.
type apiClient struct {
	fc *firecracker.Client
}

func newAPIClient(socketPath string, log zerolog.Logger) *apiClient {
	return &apiClient{fc: firecracker.NewClient(socketPath, sdkLogger(log), false)}
}

func (c *apiClient) putBootSource(ctx context.Context, kernel, args string) error {
	_, err := c.fc.PutGuestBootSource(ctx, &models.BootSource{
		KernelImagePath: firecracker.String(kernel),
		BootArgs:        args,
	})
	return apiError("PUT /boot-source", err)
}

func (c *apiClient) putMachineConfig(ctx context.Context, vcpus, memMiB int) error {
	_, err := c.fc.PutMachineConfiguration(ctx, &models.MachineConfiguration{
		VcpuCount:  firecracker.Int64(int64(vcpus)),
		MemSizeMib: firecracker.Int64(int64(memMiB)),
		Smt:        firecracker.Bool(false),
	})
	return apiError("PUT /machine-config", err)
}

func (c *apiClient) putDrive(ctx context.Context, id, path string, root, readOnly bool) error {
	_, err := c.fc.PutGuestDriveByID(ctx, id, &models.Drive{
		DriveID:      firecracker.String(id),
		PathOnHost:   firecracker.String(path),
		IsRootDevice: firecracker.Bool(root),
		IsReadOnly:   firecracker.Bool(readOnly),
	})
	return apiError("PUT /drives/"+id, err)
}

func (c *apiClient) putVsock(ctx context.Context, cid uint32, udsPath string) error {
	_, err := c.fc.PutGuestVsock(ctx, &models.Vsock{
		GuestCid: firecracker.Int64(int64(cid)),
		UdsPath:  firecracker.String(udsPath),
	})
	return apiError("PUT /vsock", err)
}

func (c *apiClient) putNetworkInterface(ctx context.Context, id, hostDev string) error {
	_, err := c.fc.PutGuestNetworkInterfaceByID(ctx, id, &models.NetworkInterface{
		IfaceID:     firecracker.String(id),
		HostDevName: firecracker.String(hostDev),
	})
	return apiError("PUT /network-interfaces/"+id, err)
}

func (c *apiClient) action(ctx context.Context, kind string) error {
	_, err := c.fc.CreateSyncAction(ctx, &models.InstanceActionInfo{ActionType: firecracker.String(kind)})
	return apiError("PUT /actions", err)
}

// faultPayload is implemented by the SDK's non-2xx responses.
type faultPayload interface {
	GetPayload() *models.Error
}

// apiError reduces SDK response errors to the VMM's fault message.
func apiError(op string, err error) error {
	if err == nil {
		return nil
	}
	var fault faultPayload
	if errors.As(err, &fault) {
		if p := fault.GetPayload(); p != nil && p.FaultMessage != "" {
			return fmt.Errorf("%s: %s", op, p.FaultMessage)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// sdkLogger routes the SDK's logrus output into the instance logger.
func sdkLogger(log zerolog.Logger) *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.DebugLevel)
	l.AddHook(zerologHook{log: log})
	return logrus.NewEntry(l)
}

type zerologHook struct {
	log zerolog.Logger
}

func (zerologHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h zerologHook) Fire(e *logrus.Entry) error {
	level := zerolog.DebugLevel
	switch e.Level {
	case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
		level = zerolog.ErrorLevel
	case logrus.WarnLevel:
		level = zerolog.WarnLevel
	case logrus.TraceLevel:
		level = zerolog.TraceLevel
	}
	ev := h.log.WithLevel(level).Str("component", "firecracker-sdk")
	for k, v := range e.Data {
		ev = ev.Interface(k, v)
	}
	ev.Msg(e.Message)
	return nil
}
