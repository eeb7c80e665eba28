package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	getOut *ssm.GetParameterOutput
	getErr error
	lastIn *ssm.GetParameterInput
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.lastIn = in
	return f.getOut, f.getErr
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestGetParameter_DecryptsAndReturnsValue(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name: aws.String("/agent/persona"), Value: aws.String("You are helpful."),
	}}}
	client, err := New(api)
	require.NoError(t, err)

	v, err := client.GetParameter(context.Background(), " /agent/persona ")
	require.NoError(t, err)
	require.Equal(t, "You are helpful.", v)
	require.Equal(t, "/agent/persona", aws.ToString(api.lastIn.Name))
	require.True(t, aws.ToBool(api.lastIn.WithDecryption))
}

func TestGetParameter_MissingValue(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: aws.String("p")}}}
	client, err := New(api)
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "missing value")
}

func TestGetParameter_NotFoundIsSentinel(t *testing.T) {
	api := &fakeAPI{getErr: &types.ParameterNotFound{}}
	client, err := New(api)
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetParameter_APIError(t *testing.T) {
	client, err := New(&fakeAPI{getErr: errors.New("boom")})
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "boom")
	require.NotErrorIs(t, err, ErrNotFound)
}

func TestGetParameter_EmptyName(t *testing.T) {
	client, err := New(&fakeAPI{})
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "  ")
	require.ErrorContains(t, err, "required")
}

func TestStatic(t *testing.T) {
	s := Static{"/a": "1"}
	v, err := s.GetParameter(context.Background(), "/a")
	require.NoError(t, err)
	require.Equal(t, "1", v)

	_, err = s.GetParameter(context.Background(), "/b")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestWithDefaults(t *testing.T) {
	g := WithDefaults(Static{"/set": "stored"}, map[string]string{"/set": "default", "/unset": "fallback"})

	v, err := g.GetParameter(context.Background(), "/set")
	require.NoError(t, err)
	require.Equal(t, "stored", v)

	v, err = g.GetParameter(context.Background(), "/unset")
	require.NoError(t, err)
	require.Equal(t, "fallback", v)

	_, err = g.GetParameter(context.Background(), "/other")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestWithDefaults_DoesNotMaskOtherErrors(t *testing.T) {
	client, err := New(&fakeAPI{getErr: errors.New("throttled")})
	require.NoError(t, err)
	g := WithDefaults(client, map[string]string{"/p": "fallback"})
	_, err = g.GetParameter(context.Background(), "/p")
	require.ErrorContains(t, err, "throttled")
}
