// Package passkey wraps the WebAuthn registration and authentication
// ceremonies. Each ceremony is two steps: Begin hands challenge options to
// the browser and serialized session state to the caller, Finish verifies the
// browser's response against that state. Session state is single-use; the
// orchestrator clears it from the envelope whether Finish succeeds or fails.
package passkey

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"labauth/internal/domain"
)

var ErrVerification = errors.New("passkey: verification failed")

type Config struct {
	RPDisplayName string
	RPID          string
	RPOrigins     []string
}

type Service struct {
	wa *webauthn.WebAuthn
}

func NewService(cfg Config) (*Service, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, err
	}
	return &Service{wa: wa}, nil
}

// User adapts an account and its stored credentials to the webauthn.User
// interface. The WebAuthn user handle is the account's UUID bytes.
type User struct {
	ID          domain.UserID
	Name        string
	DisplayName string
	Credentials []webauthn.Credential
}

func (u *User) WebAuthnID() []byte                         { return u.ID[:] }
func (u *User) WebAuthnName() string                       { return u.Name }
func (u *User) WebAuthnDisplayName() string                { return u.DisplayName }
func (u *User) WebAuthnIcon() string                       { return "" }
func (u *User) WebAuthnCredentials() []webauthn.Credential { return u.Credentials }

// BeginRegistration builds creation options: fresh random challenge,
// platform-attached resident credential with preferred user verification,
// attestation "none", and the user's existing credential IDs excluded so the
// same authenticator cannot register twice.
func (s *Service) BeginRegistration(u *User) (optionsJSON, sessionData []byte, err error) {
	opts := []webauthn.RegistrationOption{
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			AuthenticatorAttachment: protocol.Platform,
			RequireResidentKey:      protocol.ResidentKeyRequired(),
			ResidentKey:             protocol.ResidentKeyRequirementRequired,
			UserVerification:        protocol.VerificationPreferred,
		}),
		webauthn.WithConveyancePreference(protocol.PreferNoAttestation),
	}
	if len(u.Credentials) > 0 {
		exclusions := make([]protocol.CredentialDescriptor, 0, len(u.Credentials))
		for _, c := range u.Credentials {
			exclusions = append(exclusions, c.Descriptor())
		}
		opts = append(opts, webauthn.WithExclusions(exclusions))
	}
	creation, session, err := s.wa.BeginRegistration(u, opts...)
	if err != nil {
		return nil, nil, err
	}
	return marshalPair(creation, session)
}

// FinishRegistration verifies the browser's attestation response. The
// returned credential is persisted by the caller with its counter initialized
// from the attestation.
func (s *Service) FinishRegistration(u *User, sessionData, responseBody []byte) (*webauthn.Credential, error) {
	session, err := unmarshalSession(sessionData)
	if err != nil {
		return nil, err
	}
	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(responseBody))
	if err != nil {
		return nil, ErrVerification
	}
	credential, err := s.wa.CreateCredential(u, *session, parsed)
	if err != nil {
		return nil, ErrVerification
	}
	return credential, nil
}

// BeginLogin builds assertion options with an empty allow-list, so any
// locally discoverable credential may respond.
func (s *Service) BeginLogin() (optionsJSON, sessionData []byte, err error) {
	assertion, session, err := s.wa.BeginDiscoverableLogin(
		webauthn.WithUserVerification(protocol.VerificationPreferred),
	)
	if err != nil {
		return nil, nil, err
	}
	return marshalPair(assertion, session)
}

// FinishLogin verifies an assertion response. handler resolves the user
// handle reported by the authenticator to the account and its stored
// credentials; the stored counter is authoritative input to the signature
// counter check.
func (s *Service) FinishLogin(handler webauthn.DiscoverableUserHandler, sessionData, responseBody []byte) (webauthn.User, *webauthn.Credential, error) {
	session, err := unmarshalSession(sessionData)
	if err != nil {
		return nil, nil, err
	}
	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(responseBody))
	if err != nil {
		return nil, nil, ErrVerification
	}
	var user webauthn.User
	capture := func(rawID, userHandle []byte) (webauthn.User, error) {
		u, err := handler(rawID, userHandle)
		if err != nil {
			return nil, err
		}
		user = u
		return u, nil
	}
	credential, err := s.wa.ValidateDiscoverableLogin(capture, *session, parsed)
	if err != nil {
		return nil, nil, ErrVerification
	}
	return user, credential, nil
}

// StoredCredential rebuilds the verifier's view of a credential from a
// Passkey row.
func StoredCredential(pk *domain.Passkey) webauthn.Credential {
	var transports []protocol.AuthenticatorTransport
	if pk.Transports != "" {
		var names []string
		if err := json.Unmarshal([]byte(pk.Transports), &names); err == nil {
			for _, n := range names {
				transports = append(transports, protocol.AuthenticatorTransport(n))
			}
		}
	}
	return webauthn.Credential{
		ID:        pk.CredentialID,
		PublicKey: pk.PublicKey,
		Transport: transports,
		Flags: webauthn.CredentialFlags{
			BackupEligible: pk.DeviceType == "multiDevice",
			BackupState:    pk.BackedUp,
		},
		Authenticator: webauthn.Authenticator{
			SignCount: pk.Counter,
		},
	}
}

// NewPasskey maps a freshly verified credential onto a Passkey row.
func NewPasskey(userID domain.UserID, name string, cred *webauthn.Credential) *domain.Passkey {
	deviceType := "singleDevice"
	if cred.Flags.BackupEligible {
		deviceType = "multiDevice"
	}
	var transports string
	if len(cred.Transport) > 0 {
		if raw, err := json.Marshal(cred.Transport); err == nil {
			transports = string(raw)
		}
	}
	return &domain.Passkey{
		ID:           uuid.New(),
		UserID:       userID,
		CredentialID: cred.ID,
		PublicKey:    cred.PublicKey,
		Counter:      cred.Authenticator.SignCount,
		DeviceType:   deviceType,
		BackedUp:     cred.Flags.BackupState,
		Transports:   transports,
		Name:         name,
	}
}

func marshalPair(options any, session *webauthn.SessionData) ([]byte, []byte, error) {
	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return nil, nil, err
	}
	sessionJSON, err := json.Marshal(session)
	if err != nil {
		return nil, nil, err
	}
	return optionsJSON, sessionJSON, nil
}

func unmarshalSession(data []byte) (*webauthn.SessionData, error) {
	if len(data) == 0 {
		return nil, errors.New("passkey: missing ceremony state")
	}
	var session webauthn.SessionData
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, errors.New("passkey: malformed ceremony state")
	}
	return &session, nil
}
