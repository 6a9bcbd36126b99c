package service

import (
	"context"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	usermodel "chatnow/module/user/model"
	"chatnow/tools/errs"
	"chatnow/tools/ids"
	"chatnow/tools/security"
)

// Users is the part of the store the account service needs.
type Users interface {
	CreateUser(ctx context.Context, u *usermodel.User) error
	FindUserByID(ctx context.Context, id string) (*usermodel.User, error)
	FindUserByEmail(ctx context.Context, email string) (*usermodel.User, error)
	SearchUsers(ctx context.Context, query, excludeID string, limit int) ([]*usermodel.User, error)
}

type RegisterParams struct {
	Name     string `json:"name" validate:"required,max=64"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6,max=72"`
	Pic      string `json:"pic" validate:"omitempty,url"`
}

type LoginParams struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Session is what a successful register or login hands back.
type Session struct {
	User     *usermodel.User `json:"user"`
	Token    string          `json:"token"`
	ExpireAt time.Time       `json:"expireAt"`
}

type Service struct {
	users Users
	jwt   security.Options
	ids   *ids.Generator
	cost  int
	now   func() time.Time
}

func New(users Users, jwt security.Options, gen *ids.Generator) *Service {
	return &Service{
		users: users,
		jwt:   jwt,
		ids:   gen,
		cost:  bcrypt.DefaultCost,
		now:   func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
}

// WithBcryptCost lowers the hashing cost, for tests.
func (s *Service) WithBcryptCost(cost int) *Service {
	s.cost = cost
	return s
}

func (s *Service) Register(ctx context.Context, in RegisterParams) (*Session, error) {
	name := strings.TrimSpace(in.Name)
	email := usermodel.NormalizeEmail(in.Email)
	if name == "" || email == "" || in.Password == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("name, email and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.cost)
	if err != nil {
		return nil, errs.ErrInvalidArgument.WrapMsg("password", "err", err)
	}
	now := s.now()
	u := &usermodel.User{
		ID:           s.ids.NextString(),
		Name:         name,
		Email:        email,
		PasswordHash: string(hash),
		Pic:          in.Pic,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return s.issue(u)
}

// Login fails with BadCredential for an unknown email and a wrong password alike.
func (s *Service) Login(ctx context.Context, in LoginParams) (*Session, error) {
	u, err := s.users.FindUserByEmail(ctx, in.Email)
	if errs.ErrNotFound.Is(err) {
		return nil, errs.ErrBadCredential.WrapMsg("invalid email or password")
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(in.Password)) != nil {
		return nil, errs.ErrBadCredential.WrapMsg("invalid email or password")
	}
	return s.issue(u)
}

func (s *Service) issue(u *usermodel.User) (*Session, error) {
	token, exp, err := security.Generate(s.jwt, u.ID)
	if err != nil {
		return nil, err
	}
	return &Session{User: u, Token: token, ExpireAt: exp}, nil
}

func (s *Service) Get(ctx context.Context, id string) (*usermodel.User, error) {
	return s.users.FindUserByID(ctx, id)
}

func (s *Service) Search(ctx context.Context, callerID, query string, limit int) ([]*usermodel.User, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	return s.users.SearchUsers(ctx, query, callerID, limit)
}

// Authenticate verifies a token and checks that its user still exists.
// Every failure other than an unreachable store is a BadCredential.
func (s *Service) Authenticate(ctx context.Context, token string) (string, error) {
	claims, err := security.Verify(s.jwt, token)
	if err != nil {
		return "", err
	}
	u, err := s.users.FindUserByID(ctx, claims.UserID())
	if errs.ErrNotFound.Is(err) {
		return "", errs.ErrBadCredential.WrapMsg("unknown user")
	}
	if err != nil {
		return "", err
	}
	return u.ID, nil
}
