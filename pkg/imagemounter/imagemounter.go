// Package imagemounter implements com.apple.mobile.mobile_image_mounter:
// legacy (pre-iOS 17) developer disk image mounts by detached
// signature, and personalized (iOS 17+) mounts via a TSS-issued
// image4 manifest.
package imagemounter

import (
	"context"
	"crypto/sha512"
	"fmt"

	"github.com/marmos91/iosmux/internal/transport"
	"github.com/marmos91/iosmux/internal/tss"
	"github.com/marmos91/iosmux/pkg/ioserr"
	"github.com/marmos91/iosmux/pkg/plist"
)

const ServiceName = "com.apple.mobile.mobile_image_mounter"

// Client speaks the image mounter's request/reply protocol, switching
// to an unframed raw-byte mode for the image upload itself.
type Client struct {
	stream *transport.FramedStream
}

// New wraps stream for image mounter requests.
func New(stream *transport.FramedStream) *Client {
	return &Client{stream: stream}
}

func (c *Client) roundTrip(req *plist.Dict) (*plist.Dict, error) {
	encoded, err := plist.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("imagemounter: encode request: %w", err)
	}
	if err := c.stream.SendFrame(encoded); err != nil {
		return nil, fmt.Errorf("imagemounter: send request: %w", err)
	}
	body, err := c.stream.RecvFrame()
	if err != nil {
		return nil, fmt.Errorf("imagemounter: recv reply: %w", err)
	}
	decoded, err := plist.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("imagemounter: decode reply: %w", err)
	}
	reply, ok := decoded.(*plist.Dict)
	if !ok {
		return nil, fmt.Errorf("imagemounter: reply is not a dict")
	}
	if errMsg := reply.GetString("Error"); errMsg != "" {
		return nil, ioserr.FromDevice(ioserr.ErrFailed, errMsg)
	}
	return reply, nil
}

// CopyDevices lists the image signatures already mounted.
func (c *Client) CopyDevices() (*plist.Dict, error) {
	return c.roundTrip(plist.NewDict().Set("Command", "CopyDevices"))
}

// LookupImage checks whether imageType is already mounted.
func (c *Client) LookupImage(imageType string) (*plist.Dict, error) {
	return c.roundTrip(plist.NewDict().Set("Command", "LookupImage").Set("ImageType", imageType))
}

// QueryPersonalizationManifest asks the device whether it already has
// a cached manifest for this image signature.
func (c *Client) QueryPersonalizationManifest(imageType string, signature []byte) (*plist.Dict, bool, error) {
	reply, err := c.roundTrip(plist.NewDict().
		Set("Command", "QueryPersonalizationManifest").
		Set("PersonalizedImageType", imageType).
		Set("ImageSignature", signature))
	if err != nil {
		// A query failure (unknown signature, device has no cached
		// manifest) is a cache miss, not an error: fall through to
		// requesting a fresh manifest from TSS.
		return nil, false, nil
	}
	if reply.GetString("Status") != "Complete" {
		return nil, false, nil
	}
	return reply, true, nil
}

// QueryPersonalizationIdentifiers returns the device's board/chip/ECID
// identifiers plus every Ap,* personalization key.
func (c *Client) QueryPersonalizationIdentifiers() (*plist.Dict, error) {
	reply, err := c.roundTrip(plist.NewDict().Set("Command", "QueryPersonalizationIdentifiers"))
	if err != nil {
		return nil, err
	}
	ids := reply.GetDict("PersonalizationIdentifiers")
	if ids == nil {
		return nil, fmt.Errorf("imagemounter: reply missing PersonalizationIdentifiers")
	}
	return ids, nil
}

// QueryNonce returns the device's PersonalizationNonce.
func (c *Client) QueryNonce() ([]byte, error) {
	reply, err := c.roundTrip(plist.NewDict().Set("Command", "QueryNonce"))
	if err != nil {
		return nil, err
	}
	nonce := reply.GetData("PersonalizationNonce")
	if nonce == nil {
		return nil, fmt.Errorf("imagemounter: reply missing PersonalizationNonce")
	}
	return nonce, nil
}

// receiveBytes starts a ReceiveBytes transfer, waits for the ack, then
// streams raw (unframed) bytes directly over the connection before
// restoring framed mode and reading the final Status: Complete.
func (c *Client) receiveBytes(imageType string, image []byte, signature *plist.Dict, signatureBytes []byte) error {
	req := plist.NewDict().
		Set("Command", "ReceiveBytes").
		Set("ImageType", imageType).
		Set("ImageSize", int64(len(image)))
	if signature != nil {
		req.Set("ImageSignature", signature)
	} else {
		req.Set("ImageSignature", signatureBytes)
	}

	reply, err := c.roundTrip(req)
	if err != nil {
		return err
	}
	if reply.GetString("Status") != "ReceiveBytesAck" {
		return fmt.Errorf("imagemounter: expected ReceiveBytesAck, got %q", reply.GetString("Status"))
	}

	if _, err := c.stream.Raw().Write(image); err != nil {
		return fmt.Errorf("imagemounter: upload image bytes: %w", err)
	}

	body, err := c.stream.RecvFrame()
	if err != nil {
		return fmt.Errorf("imagemounter: recv upload completion: %w", err)
	}
	decoded, err := plist.Decode(body)
	if err != nil {
		return fmt.Errorf("imagemounter: decode upload completion: %w", err)
	}
	done, ok := decoded.(*plist.Dict)
	if !ok || done.GetString("Status") != "Complete" {
		return fmt.Errorf("imagemounter: image upload did not complete")
	}
	return nil
}

// MountImage issues the final mount request.
func (c *Client) MountImage(imageType string, signature []byte, trustCache []byte, imageInfo *plist.Dict) error {
	req := plist.NewDict().
		Set("Command", "MountImage").
		Set("ImageType", imageType).
		Set("ImageSignature", signature)
	if trustCache != nil {
		req.Set("ImageTrustCache", trustCache)
	}
	if imageInfo != nil {
		req.Set("ImageInfoPlist", imageInfo)
	}

	reply, err := c.roundTrip(req)
	if err != nil {
		return err
	}
	if reply.GetString("Status") != "Complete" {
		return fmt.Errorf("imagemounter: mount did not complete: %q", reply.GetString("Status"))
	}
	return nil
}

// UnmountImage unmounts the image at mountPath.
func (c *Client) UnmountImage(mountPath string) error {
	reply, err := c.roundTrip(plist.NewDict().Set("Command", "UnmountImage").Set("MountPath", mountPath))
	if err != nil {
		return err
	}
	if reply.GetString("Status") != "Complete" {
		return fmt.Errorf("imagemounter: unmount did not complete: %q", reply.GetString("Status"))
	}
	return nil
}

// MountLegacy performs the pre-iOS 17 developer disk image mount:
// upload the image with its detached signature, then mount it.
func (c *Client) MountLegacy(image, signature []byte) error {
	if err := c.receiveBytes("Developer", image, nil, signature); err != nil {
		return err
	}
	return c.MountImage("Developer", signature, nil, nil)
}

// MountPersonalized performs the iOS 17+ personalized mount: query for
// a cached manifest, and if absent, obtain one from TSS before
// uploading and mounting the image. trustCache and imageInfo travel
// with the final MountImage request; both may be nil.
func (c *Client) MountPersonalized(ctx context.Context, image, trustCache []byte, imageInfo *plist.Dict, tssClient *tss.Client, uuid string, buildManifest *plist.Dict) error {
	sum := sha512.Sum384(image)
	signature := sum[:]

	manifestReply, hit, err := c.QueryPersonalizationManifest("DeveloperDiskImage", signature)
	if err != nil {
		return fmt.Errorf("imagemounter: query personalization manifest: %w", err)
	}

	var manifest []byte
	if hit {
		manifest = manifestReply.GetData("PersonalizationManifest")
	} else {
		manifest, err = c.requestManifest(ctx, tssClient, uuid, buildManifest)
		if err != nil {
			return err
		}
	}

	if err := c.receiveBytes("Personalized", image, nil, manifest); err != nil {
		return err
	}
	return c.MountImage("Personalized", manifest, trustCache, imageInfo)
}

func (c *Client) requestManifest(ctx context.Context, tssClient *tss.Client, uuid string, buildManifest *plist.Dict) ([]byte, error) {
	identifiers, err := c.QueryPersonalizationIdentifiers()
	if err != nil {
		return nil, fmt.Errorf("imagemounter: query identifiers: %w", err)
	}
	nonce, err := c.QueryNonce()
	if err != nil {
		return nil, fmt.Errorf("imagemounter: query nonce: %w", err)
	}

	buildIdentity, err := tss.SelectBuildIdentity(buildManifest, identifiers.GetInt("BoardId"), identifiers.GetInt("ChipID"))
	if err != nil {
		return nil, fmt.Errorf("imagemounter: select build identity: %w", err)
	}

	req, err := tss.BuildRequest(uuid, identifiers, nonce, buildIdentity)
	if err != nil {
		return nil, fmt.Errorf("imagemounter: build tss request: %w", err)
	}

	resp, err := tssClient.Send(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("imagemounter: tss request: %w", err)
	}
	ticket := resp.GetData("ApImg4Ticket")
	if ticket == nil {
		return nil, fmt.Errorf("imagemounter: tss response missing ApImg4Ticket")
	}
	return ticket, nil
}
