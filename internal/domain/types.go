package domain

import "github.com/google/uuid"

type UserID = uuid.UUID
type PasskeyID = uuid.UUID
type TokenID = uuid.UUID
