package contract

import (
	"encoding/json"
	"fmt"

	"provtrace/model"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
	"github.com/hyperledger/fabric/common/flogging"
)

var aclLogger = flogging.MustGetLogger("provtrace.accessregistry")

// superAdminConfigKey holds the single account currently holding super admin.
const superAdminConfigKey = "superAdmin"

// AccessRegistry owns the role-membership table and every authorization
// decision. All other components receive it explicitly and delegate their
// guard checks to it.
type AccessRegistry struct {
	Ctx contractapi.TransactionContextInterface
}

func NewAccessRegistry(ctx contractapi.TransactionContextInterface) *AccessRegistry {
	return &AccessRegistry{Ctx: ctx}
}

// roleRank orders the management hierarchy. AuthorizedService is orthogonal
// and does not participate.
func roleRank(role model.Role) int {
	switch role {
	case model.RoleSuperAdmin:
		return 4
	case model.RoleAdmin:
		return 3
	case model.RoleCompanyUser:
		return 2
	case model.RoleConsumer:
		return 1
	default:
		return 0
	}
}

// managingRole returns the minimum role required to grant or revoke target.
func managingRole(target model.Role) (model.Role, error) {
	switch target {
	case model.RoleAdmin:
		return model.RoleSuperAdmin, nil
	case model.RoleCompanyUser, model.RoleAuthorizedService:
		return model.RoleAdmin, nil
	case model.RoleConsumer:
		return model.RoleCompanyUser, nil
	case model.RoleSuperAdmin:
		return "", fmt.Errorf("super admin is transferred, never granted or revoked")
	default:
		return "", fmt.Errorf("%w: '%s'", ErrUnauthorized, target)
	}
}

func (ar *AccessRegistry) createRoleKey(role model.Role, account string) (string, error) {
	return ar.Ctx.GetStub().CreateCompositeKey(roleObjectType, []string{string(role), account})
}

// SuperAdminHolder returns the account currently holding super admin, or
// empty before bootstrap.
func (ar *AccessRegistry) SuperAdminHolder() (string, error) {
	return getConfig(ar.Ctx, superAdminConfigKey)
}

// HasRole reports whether account currently holds role. Pure read.
func (ar *AccessRegistry) HasRole(role model.Role, account string) (bool, error) {
	if !model.ValidRoles[role] {
		return false, fmt.Errorf("unknown role '%s'", role)
	}
	if role == model.RoleSuperAdmin {
		holder, err := ar.SuperAdminHolder()
		if err != nil {
			return false, err
		}
		return holder != "" && holder == account, nil
	}
	key, err := ar.createRoleKey(role, account)
	if err != nil {
		return false, fmt.Errorf("failed to create role key: %w", err)
	}
	raw, err := ar.Ctx.GetStub().GetState(key)
	if err != nil {
		return false, fmt.Errorf("ledger error checking role '%s' for '%s': %w", role, account, err)
	}
	return raw != nil, nil
}

// Authorize checks that account sits at or above minimum in the role
// hierarchy. Returns a wrapped ErrUnauthorized naming the required role when
// it does not.
func (ar *AccessRegistry) Authorize(account string, minimum model.Role) error {
	required := roleRank(minimum)
	for role := range model.ValidRoles {
		if roleRank(role) < required {
			continue
		}
		has, err := ar.HasRole(role, account)
		if err != nil {
			return err
		}
		if has {
			return nil
		}
	}
	return fmt.Errorf("%w: account '%s' requires role '%s' or above", ErrUnauthorized, account, minimum)
}

// RequireService checks the AuthorizedService capability exactly; the
// hierarchy does not stand in for it.
func (ar *AccessRegistry) RequireService(account string) error {
	has, err := ar.HasRole(model.RoleAuthorizedService, account)
	if err != nil {
		return err
	}
	if !has {
		return fmt.Errorf("%w: account '%s' requires capability '%s'", ErrUnauthorized, account, model.RoleAuthorizedService)
	}
	return nil
}

// Grant assigns role to account, gated by the minimum role required to manage
// that target role. Granting an already-held role is a no-op.
func (ar *AccessRegistry) Grant(role model.Role, account string) error {
	caller, err := getCallerID(ar.Ctx)
	if err != nil {
		return fmt.Errorf("Grant: failed to get caller identity: %w", err)
	}
	if err := validateRequiredString(account, "account", maxStringInputLength); err != nil {
		return err
	}
	if !model.ValidRoles[role] {
		return fmt.Errorf("unknown role '%s'", role)
	}
	manager, err := managingRole(role)
	if err != nil {
		return fmt.Errorf("Grant: %w", err)
	}
	if err := ar.Authorize(caller, manager); err != nil {
		return err
	}

	already, err := ar.HasRole(role, account)
	if err != nil {
		return err
	}
	if already {
		aclLogger.Infof("Grant: account '%s' already holds role '%s'. No action needed.", account, role)
		return nil
	}

	now, err := getCurrentTxTimestamp(ar.Ctx)
	if err != nil {
		return err
	}
	grant := model.RoleGrant{
		ObjectType: roleObjectType,
		Account:    account,
		Role:       role,
		GrantedBy:  caller,
		GrantedAt:  now,
	}
	grantBytes, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("Grant: failed to marshal grant record: %w", err)
	}
	key, err := ar.createRoleKey(role, account)
	if err != nil {
		return fmt.Errorf("Grant: failed to create role key: %w", err)
	}
	if err := ar.Ctx.GetStub().PutState(key, grantBytes); err != nil {
		return fmt.Errorf("Grant: failed to save role '%s' for '%s': %w", role, account, err)
	}

	emitEvent(ar.Ctx, "RoleGranted", map[string]interface{}{
		"role": string(role), "account": account, "grantedBy": caller, "grantedAt": now,
	})
	aclLogger.Infof("Role '%s' granted to '%s' by '%s'.", role, account, caller)
	return nil
}

// Revoke removes role from account under the same management gate as Grant.
// Revoking a role the account does not hold is a no-op.
func (ar *AccessRegistry) Revoke(role model.Role, account string) error {
	caller, err := getCallerID(ar.Ctx)
	if err != nil {
		return fmt.Errorf("Revoke: failed to get caller identity: %w", err)
	}
	if err := validateRequiredString(account, "account", maxStringInputLength); err != nil {
		return err
	}
	if !model.ValidRoles[role] {
		return fmt.Errorf("unknown role '%s'", role)
	}
	manager, err := managingRole(role)
	if err != nil {
		return fmt.Errorf("Revoke: %w", err)
	}
	if err := ar.Authorize(caller, manager); err != nil {
		return err
	}

	held, err := ar.HasRole(role, account)
	if err != nil {
		return err
	}
	if !held {
		aclLogger.Infof("Revoke: account '%s' does not hold role '%s'. No action taken.", account, role)
		return nil
	}

	key, err := ar.createRoleKey(role, account)
	if err != nil {
		return fmt.Errorf("Revoke: failed to create role key: %w", err)
	}
	if err := ar.Ctx.GetStub().DelState(key); err != nil {
		return fmt.Errorf("Revoke: failed to remove role '%s' from '%s': %w", role, account, err)
	}

	emitEvent(ar.Ctx, "RoleRevoked", map[string]interface{}{
		"role": string(role), "account": account, "revokedBy": caller,
	})
	aclLogger.Infof("Role '%s' revoked from '%s' by '%s'.", role, account, caller)
	return nil
}

// TransferSuperAdmin atomically moves super admin from the caller to account.
// Exactly one holder exists at any time; the role is never duplicated.
func (ar *AccessRegistry) TransferSuperAdmin(account string) error {
	caller, err := getCallerID(ar.Ctx)
	if err != nil {
		return fmt.Errorf("TransferSuperAdmin: failed to get caller identity: %w", err)
	}
	if err := validateRequiredString(account, "account", maxStringInputLength); err != nil {
		return err
	}
	holder, err := ar.SuperAdminHolder()
	if err != nil {
		return err
	}
	if holder == "" || holder != caller {
		return fmt.Errorf("%w: account '%s' requires role '%s'", ErrUnauthorized, caller, model.RoleSuperAdmin)
	}

	if err := putConfig(ar.Ctx, superAdminConfigKey, account); err != nil {
		return fmt.Errorf("TransferSuperAdmin: %w", err)
	}
	emitEvent(ar.Ctx, "SuperAdminTransferred", map[string]interface{}{
		"previousHolder": caller, "newHolder": account,
	})
	aclLogger.Infof("Super admin transferred from '%s' to '%s'.", caller, account)
	return nil
}

// RoleHolders enumerates current holders of role, bounded by maxCount when it
// is non-zero.
func (ar *AccessRegistry) RoleHolders(role model.Role, maxCount uint64) ([]string, error) {
	if !model.ValidRoles[role] {
		return nil, fmt.Errorf("unknown role '%s'", role)
	}
	if role == model.RoleSuperAdmin {
		holder, err := ar.SuperAdminHolder()
		if err != nil {
			return nil, err
		}
		if holder == "" {
			return []string{}, nil
		}
		return []string{holder}, nil
	}

	iterator, err := ar.Ctx.GetStub().GetStateByPartialCompositeKey(roleObjectType, []string{string(role)})
	if err != nil {
		return nil, fmt.Errorf("RoleHolders: failed to get grants iterator for role '%s': %w", role, err)
	}
	defer iterator.Close()

	holders := []string{}
	for iterator.HasNext() {
		if maxCount > 0 && uint64(len(holders)) >= maxCount {
			break
		}
		queryResponse, iterErr := iterator.Next()
		if iterErr != nil {
			aclLogger.Warningf("RoleHolders: Failed to get next grant from iterator: %v. Skipping.", iterErr)
			continue
		}
		var grant model.RoleGrant
		if err := json.Unmarshal(queryResponse.Value, &grant); err != nil {
			aclLogger.Warningf("RoleHolders: Failed to unmarshal grant for key '%s': %v. Skipping.", queryResponse.Key, err)
			continue
		}
		holders = append(holders, grant.Account)
	}
	return holders, nil
}
