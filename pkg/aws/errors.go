package aws

import (
	"errors"
	"strings"

	"testbed/pkg/cloud"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
)

// classifyError maps an EC2 error onto the cloud error taxonomy.
// Errors that carry no AWS error code never reached the API.
func classifyError(err error) cloud.ErrorKind {
	var awsErr awserr.Error
	if !errors.As(err, &awsErr) {
		return cloud.KindTransport
	}

	code := awsErr.Code()
	switch {
	case code == request.ErrCodeRequestError,
		code == request.CanceledErrorCode,
		code == request.ErrCodeResponseTimeout:
		return cloud.KindTransport
	case code == "AuthFailure",
		code == "UnauthorizedOperation",
		code == "InvalidClientTokenId",
		code == "SignatureDoesNotMatch",
		code == "ExpiredToken":
		return cloud.KindUnauthorized
	case strings.HasSuffix(code, ".NotFound"), code == "InvalidInstanceID.Malformed":
		return cloud.KindNotFound
	default:
		return cloud.KindProvider
	}
}

// isDuplicate reports whether err rejects a key pair that already exists
func isDuplicate(err error) bool {
	var awsErr awserr.Error
	return errors.As(err, &awsErr) && awsErr.Code() == "InvalidKeyPair.Duplicate"
}
