package aws

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/sirupsen/logrus"
)

// getDefaultSubnet returns a default subnet of the region, or any
// available one
func getDefaultSubnet(ctx context.Context, client ec2iface.EC2API) (string, error) {
	result, err := client.DescribeSubnetsWithContext(ctx, &ec2.DescribeSubnetsInput{
		Filters: []*ec2.Filter{
			{
				Name:   aws.String("default-for-az"),
				Values: []*string{aws.String("true")},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe subnets: %w", err)
	}
	if len(result.Subnets) > 0 {
		return aws.StringValue(result.Subnets[0].SubnetId), nil
	}

	result, err = client.DescribeSubnetsWithContext(ctx, &ec2.DescribeSubnetsInput{
		Filters: []*ec2.Filter{
			{
				Name:   aws.String("state"),
				Values: []*string{aws.String("available")},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe subnets: %w", err)
	}
	if len(result.Subnets) == 0 {
		return "", errors.New("no available subnets found, create a VPC and subnet first")
	}

	return aws.StringValue(result.Subnets[0].SubnetId), nil
}

// createOrGetSecurityGroup returns the security group opening SSH,
// creating it on first use
func createOrGetSecurityGroup(ctx context.Context, client ec2iface.EC2API, groupName string, logger *logrus.Entry) (string, error) {
	result, err := client.DescribeSecurityGroupsWithContext(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []*ec2.Filter{
			{
				Name:   aws.String("group-name"),
				Values: []*string{aws.String(groupName)},
			},
		},
	})
	if err == nil && len(result.SecurityGroups) > 0 {
		return aws.StringValue(result.SecurityGroups[0].GroupId), nil
	}

	vpcID, err := getVPC(ctx, client, logger)
	if err != nil {
		return "", err
	}

	createResult, err := client.CreateSecurityGroupWithContext(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(groupName),
		Description: aws.String("SSH access to testbed instances"),
		VpcId:       aws.String(vpcID),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create security group: %w", err)
	}
	securityGroupID := aws.StringValue(createResult.GroupId)

	_, err = client.AuthorizeSecurityGroupIngressWithContext(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: aws.String(securityGroupID),
		IpPermissions: []*ec2.IpPermission{
			{
				IpProtocol: aws.String("tcp"),
				FromPort:   aws.Int64(22),
				ToPort:     aws.Int64(22),
				IpRanges: []*ec2.IpRange{
					{CidrIp: aws.String("0.0.0.0/0")},
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to add SSH rule to security group: %w", err)
	}

	logger.WithField("security_group", securityGroupID).Info("Created security group")
	return securityGroupID, nil
}

// getVPC returns the default VPC, or any available one
func getVPC(ctx context.Context, client ec2iface.EC2API, logger *logrus.Entry) (string, error) {
	result, err := client.DescribeVpcsWithContext(ctx, &ec2.DescribeVpcsInput{
		Filters: []*ec2.Filter{
			{
				Name:   aws.String("is-default"),
				Values: []*string{aws.String("true")},
			},
		},
	})
	if err == nil && len(result.Vpcs) > 0 {
		return aws.StringValue(result.Vpcs[0].VpcId), nil
	}

	result, err = client.DescribeVpcsWithContext(ctx, &ec2.DescribeVpcsInput{
		Filters: []*ec2.Filter{
			{
				Name:   aws.String("state"),
				Values: []*string{aws.String("available")},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe VPCs: %w", err)
	}
	if len(result.Vpcs) == 0 {
		return "", errors.New("no available VPCs found, create a VPC first")
	}

	vpcID := aws.StringValue(result.Vpcs[0].VpcId)
	logger.WithField("vpc_id", vpcID).Warn("No default VPC found, using first available VPC")
	return vpcID, nil
}

// fallbackAMI returns a known Amazon Linux 2 AMI for the region
func fallbackAMI(region string) string {
	amiMap := map[string]string{
		"us-east-1":      "ami-0c02fb55956c7d316",
		"us-east-2":      "ami-0f924dc71d44d23e2",
		"us-west-1":      "ami-0d382e80be7ffdae5",
		"us-west-2":      "ami-0c2d3e23eb6b42bd5",
		"eu-west-1":      "ami-0c9c942bd7bf113a2",
		"eu-central-1":   "ami-0a1ee2fb28fe05df3",
		"ap-southeast-1": "ami-0c802847a7dd848c0",
		"ap-northeast-1": "ami-0218d08a1f9dae831",
	}

	if ami, ok := amiMap[region]; ok {
		return ami
	}
	return amiMap["us-east-1"]
}

// getLatestAmazonLinuxAMI gets the latest Amazon Linux 2 AMI for the region
func getLatestAmazonLinuxAMI(ctx context.Context, client ec2iface.EC2API) (string, error) {
	result, err := client.DescribeImagesWithContext(ctx, &ec2.DescribeImagesInput{
		Owners: []*string{aws.String("amazon")},
		Filters: []*ec2.Filter{
			{
				Name:   aws.String("name"),
				Values: []*string{aws.String("amzn2-ami-hvm-*-x86_64-gp2")},
			},
			{
				Name:   aws.String("state"),
				Values: []*string{aws.String("available")},
			},
		},
	})
	if err != nil {
		return "", err
	}

	if len(result.Images) == 0 {
		return "", errors.New("no Amazon Linux 2 AMI found")
	}

	latest := result.Images[0]
	for _, image := range result.Images[1:] {
		if strings.Compare(aws.StringValue(image.CreationDate), aws.StringValue(latest.CreationDate)) > 0 {
			latest = image
		}
	}

	return aws.StringValue(latest.ImageId), nil
}
